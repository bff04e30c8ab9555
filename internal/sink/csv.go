package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openjobspec/alphasim/internal/core"
)

// Header is the first row of a result file.
var Header = []string{"id", "status", "label", "spec_id", "location", "resolved_at"}

// CSVSink appends results to a CSV file. The header is written only when the
// file is empty, so a restarted run keeps appending to the same file.
type CSVSink struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// OpenCSV opens path for appending, creating it and its directory if needed.
func OpenCSV(path string) (*CSVSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create result dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open result file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat result file: %w", err)
	}

	s := &CSVSink{f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.write(Header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *CSVSink) Append(_ context.Context, r core.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write([]string{
		r.AlphaID,
		string(r.Status),
		r.Label,
		r.SpecID,
		r.Location,
		core.FormatTime(r.ResolvedAt),
	})
}

func (s *CSVSink) write(row []string) error {
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush result: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync result file: %w", err)
	}
	return nil
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return errors.Join(s.w.Error(), s.f.Close())
}

// ReadCSV loads every result from a file written by CSVSink.
func ReadCSV(path string) ([]core.JobResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(Header)
	var out []core.JobResult
	for line := 1; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("%s: %w", path, err)
		}
		if line == 1 && row[0] == Header[0] {
			continue
		}
		resolved, _ := time.Parse(core.TimeFormat, row[5])
		out = append(out, core.JobResult{
			AlphaID:    row[0],
			Status:     core.JobStatus(row[1]),
			Label:      row[2],
			SpecID:     row[3],
			Location:   row[4],
			ResolvedAt: resolved,
		})
	}
}
