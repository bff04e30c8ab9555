package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/openjobspec/alphasim/internal/backlog"
	"github.com/openjobspec/alphasim/internal/core"
	"github.com/openjobspec/alphasim/internal/kv"
	"github.com/openjobspec/alphasim/internal/remote"
	"github.com/openjobspec/alphasim/internal/server"
)

// Keys under which the NATS backend keeps its queues.
const (
	backlogKey    = "backlog"
	deadLetterKey = "dead-letter"
)

// app carries configuration and lazily opened resources across commands.
type app struct {
	cfg     server.Config
	nc      *nats.Conn
	logFile *os.File
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: server.LoadConfig()}

	root := &cobra.Command{
		Use:           "alphasim",
		Short:         "Submit alpha simulations with bounded concurrency and record their results",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setupLogging()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfg.Backlog, "backlog", a.cfg.Backlog, "backlog backend: file or nats")
	f.StringVar(&a.cfg.BacklogPath, "backlog-path", a.cfg.BacklogPath, "backlog file (file backend)")
	f.StringVar(&a.cfg.DeadLetterPath, "dead-path", a.cfg.DeadLetterPath, "dead-letter file (file backend)")
	f.StringVar(&a.cfg.NatsURL, "nats-url", a.cfg.NatsURL, "NATS server URL")
	f.StringVar(&a.cfg.KVBucket, "kv-bucket", a.cfg.KVBucket, "JetStream KV bucket (nats backend)")
	f.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&a.cfg.LogFile, "log-file", a.cfg.LogFile, "also append logs to this file")
	f.StringVar(&a.cfg.BaseURL, "base-url", a.cfg.BaseURL, "simulation service base URL")
	f.StringVar(&a.cfg.CredentialsPath, "credentials", a.cfg.CredentialsPath, `credential file: ["user","password"]`)

	root.AddCommand(
		a.runCmd(),
		a.enqueueCmd(),
		a.backlogCmd(),
		a.deadCmd(),
		a.checkCmd(),
		a.resultsCmd(),
		a.watchCmd(),
	)
	return root
}

// setupLogging installs a JSON slog handler on stderr, teeing to LogFile
// when set.
func (a *app) setupLogging() error {
	var w io.Writer = os.Stderr
	if a.cfg.LogFile != "" {
		if dir := filepath.Dir(a.cfg.LogFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(a.cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		w = io.MultiWriter(os.Stderr, f)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: a.cfg.SlogLevel(),
	})))
	return nil
}

func (a *app) close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
		a.nc = nil
	}
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
}

func (a *app) conn() (*nats.Conn, error) {
	if a.nc != nil {
		return a.nc, nil
	}
	nc, err := nats.Connect(a.cfg.NatsURL,
		nats.Name("alphasim"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	slog.Info("connected to NATS", "url", a.cfg.NatsURL)
	a.nc = nc
	return nc, nil
}

// queues opens the backlog and dead-letter queues on the configured backend.
func (a *app) queues(ctx context.Context) (backlog.Queue, backlog.Queue, error) {
	switch a.cfg.Backlog {
	case server.BacklogFile:
		q, err := backlog.NewFileQueue(a.cfg.BacklogPath)
		if err != nil {
			return nil, nil, err
		}
		dead, err := backlog.NewFileQueue(a.cfg.DeadLetterPath)
		if err != nil {
			return nil, nil, err
		}
		return q, dead, nil

	case server.BacklogNATS:
		nc, err := a.conn()
		if err != nil {
			return nil, nil, err
		}
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, nil, fmt.Errorf("creating JetStream context: %w", err)
		}
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := kv.OpenBucket(ctx, js, a.cfg.KVBucket)
		if err != nil {
			return nil, nil, err
		}
		return backlog.NewKVQueue(store, backlogKey), backlog.NewKVQueue(store, deadLetterKey), nil
	}
	return nil, nil, fmt.Errorf("unknown backlog backend %q", a.cfg.Backlog)
}

// client signs in to the simulation service.
func (a *app) client(ctx context.Context) (*remote.Client, error) {
	creds, err := remote.LoadCredentials(a.cfg.CredentialsPath)
	if err != nil {
		return nil, err
	}
	auth := &remote.BasicAuthenticator{
		BaseURL:        a.cfg.BaseURL,
		Credentials:    creds,
		RequestTimeout: a.cfg.RequestTimeout,
		Policy:         core.FixedDelay(0, a.cfg.AuthRetry),
		Timeout:        a.cfg.AuthTimeout,
	}
	c, err := remote.NewClient(ctx, auth, remote.Options{
		BaseURL:      a.cfg.BaseURL,
		SubmitPolicy: core.FixedDelay(a.cfg.SubmitAttempts, a.cfg.SubmitDelay),
		FetchPolicy:  core.FixedDelay(a.cfg.FetchAttempts, a.cfg.SubmitDelay),
	})
	if errors.Is(err, core.ErrAuthFatal) {
		slog.Error("cannot sign in", "user", creds.Username, "error", err)
	}
	return c, err
}
