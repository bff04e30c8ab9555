package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/openjobspec/alphasim/internal/inflight"
	"github.com/openjobspec/alphasim/internal/metrics"
	"github.com/openjobspec/alphasim/internal/scheduler"
	"github.com/openjobspec/alphasim/internal/server"
	"github.com/openjobspec/alphasim/internal/sink"
)

func (a *app) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until stopped (Ctrl+C drains in-flight simulations, twice aborts)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return a.run(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.IntVarP(&a.cfg.Concurrency, "concurrency", "c", a.cfg.Concurrency, "maximum simulations in flight")
	f.DurationVar(&a.cfg.Tick, "tick", a.cfg.Tick, "pause between scheduler ticks")
	f.StringVar(&a.cfg.ResultsPath, "results", a.cfg.ResultsPath, "result CSV file")
	f.BoolVar(&a.cfg.ExitWhenIdle, "exit-when-idle", a.cfg.ExitWhenIdle, "exit once the backlog is empty and nothing is in flight")
	f.BoolVar(&a.cfg.PublishEvents, "publish-events", a.cfg.PublishEvents, "also publish results on NATS")
	f.StringVar(&a.cfg.Port, "port", a.cfg.Port, "HTTP status port (empty disables)")
	f.StringVar(&a.cfg.GRPCPort, "grpc-port", a.cfg.GRPCPort, "gRPC health port (empty disables)")
	f.StringVar(&a.cfg.ReportSchedule, "report", a.cfg.ReportSchedule, "progress log schedule (cron or @every)")
	f.IntVar(&a.cfg.SubmitAttempts, "submit-attempts", a.cfg.SubmitAttempts, "submission attempts before a spec is dead-lettered")
	f.DurationVar(&a.cfg.SubmitDelay, "submit-delay", a.cfg.SubmitDelay, "delay between submission attempts")
	return cmd
}

func (a *app) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	metrics.Init(version, a.cfg.Backlog)

	// Connect up front so a bad NATS_URL fails before signing in.
	if a.cfg.UsesNATS() {
		if _, err := a.conn(); err != nil {
			return err
		}
	}

	queue, dead, err := a.queues(ctx)
	if err != nil {
		return err
	}

	results, err := sink.OpenCSV(a.cfg.ResultsPath)
	if err != nil {
		return err
	}
	var out sink.Sink = results
	if a.cfg.PublishEvents {
		nc, err := a.conn()
		if err != nil {
			results.Close()
			return err
		}
		out = sink.NewTee(results, sink.NewEventSink(nc))
	}
	defer func() {
		if err := out.Close(); err != nil {
			slog.Error("closing result sink", "error", err)
		}
	}()

	client, err := a.client(ctx)
	if err != nil {
		return err
	}

	set := inflight.New(a.cfg.Concurrency, client, dead, nil)
	sched := scheduler.New(scheduler.Config{Tick: a.cfg.Tick, ExitWhenIdle: a.cfg.ExitWhenIdle}, queue, set, out, nil)

	health := server.NewHealth()
	sched.OnStateChange(health.Update)

	reporter, err := scheduler.NewReporter(a.cfg.ReportSchedule, sched.Snapshot)
	if err != nil {
		return err
	}
	reporter.Start()
	defer reporter.Stop()

	var srv *http.Server
	if a.cfg.Port != "" {
		srv = &http.Server{
			Addr:              ":" + a.cfg.Port,
			Handler:           server.NewRouter(sched, queue, dead),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("status server listening", "port", a.cfg.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("status server error", "error", err)
			}
		}()
	}

	var grpcServer *grpc.Server
	if a.cfg.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+a.cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen for gRPC on %s: %w", a.cfg.GRPCPort, err)
		}
		grpcServer = grpc.NewServer()
		health.Register(grpcServer)
		go func() {
			slog.Info("gRPC health server listening", "port", a.cfg.GRPCPort)
			if err := grpcServer.Serve(lis); err != nil {
				slog.Error("gRPC server error", "error", err)
			}
		}()
	}

	// First signal drains, second aborts.
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		select {
		case <-quit:
		case <-ctx.Done():
			return
		}
		slog.Info("stop requested; waiting for in-flight simulations, signal again to abort")
		sched.Stop()
		select {
		case <-quit:
			slog.Warn("aborting without draining")
			cancel()
		case <-ctx.Done():
		}
	}()

	runErr := sched.Run(ctx)

	health.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("status server shutdown error", "error", err)
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("scheduler stopped with error", "error", runErr)
		return runErr
	}
	slog.Info("scheduler stopped")
	return nil
}
