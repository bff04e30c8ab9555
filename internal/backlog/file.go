package backlog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/openjobspec/alphasim/internal/core"
)

// maxLineSize bounds one JSON Lines record; longer lines are malformed.
const maxLineSize = 4 << 20

// lockRetry is how often a blocked caller retries the file lock.
const lockRetry = 10 * time.Millisecond

// FileQueue stores specs as JSON Lines. Drain and Restore rewrite the file
// through a temporary sibling that is fsynced and renamed over the original,
// so a crash leaves either the old or the new queue on disk.
//
// Every operation holds an advisory lock on a sidecar path+".lock" file, so
// an enqueue in another process never lands between a drain's read and its
// rename.
type FileQueue struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

var _ Queue = (*FileQueue)(nil)

// NewFileQueue returns a queue backed by path, creating parent directories.
func NewFileQueue(path string) (*FileQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("backlog: ensure dir for %s: %w", path, err)
	}
	return &FileQueue{path: path, lock: flock.New(path + ".lock")}, nil
}

// exclusive runs fn holding the process mutex and the exclusive file lock.
func (q *FileQueue) exclusive(ctx context.Context, fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	locked, err := q.lock.TryLockContext(ctx, lockRetry)
	if err != nil || !locked {
		return fmt.Errorf("backlog: lock %s: %w", q.path, errOrCtx(ctx, err))
	}
	defer q.lock.Unlock()
	return fn()
}

// shared runs fn holding the process mutex and a shared file lock.
func (q *FileQueue) shared(ctx context.Context, fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	locked, err := q.lock.TryRLockContext(ctx, lockRetry)
	if err != nil || !locked {
		return fmt.Errorf("backlog: lock %s: %w", q.path, errOrCtx(ctx, err))
	}
	defer q.lock.Unlock()
	return fn()
}

func errOrCtx(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("not acquired")
}

// Path returns the backing file.
func (q *FileQueue) Path() string {
	return q.path
}

func (q *FileQueue) Append(ctx context.Context, specs ...core.JobSpec) error {
	if len(specs) == 0 {
		return nil
	}
	return q.exclusive(ctx, func() error { return q.append(withIDs(specs)) })
}

func (q *FileQueue) append(specs []core.JobSpec) error {
	var buf bytes.Buffer
	needsNewline, err := q.endsWithoutNewline()
	if err != nil {
		return err
	}
	if needsNewline {
		buf.WriteByte('\n')
	}
	for _, spec := range specs {
		line, err := encodeSpec(spec)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("backlog: open %s: %w", q.path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("backlog: append %s: %w", q.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("backlog: sync %s: %w", q.path, err)
	}
	return f.Close()
}

func (q *FileQueue) Drain(ctx context.Context, n int) ([]core.JobSpec, error) {
	if n <= 0 {
		return []core.JobSpec{}, nil
	}
	var taken []core.JobSpec
	err := q.exclusive(ctx, func() error {
		records, err := q.read()
		if err != nil || len(records) == 0 {
			return err
		}
		var malformed, rest []record
		taken, malformed, rest = take(records, n)
		if err := q.rewrite(nil, rest); err != nil {
			taken = nil
			return err
		}
		logMalformed(q.path, malformed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if taken == nil {
		taken = []core.JobSpec{}
	}
	return taken, nil
}

func (q *FileQueue) Restore(ctx context.Context, specs ...core.JobSpec) error {
	if len(specs) == 0 {
		return nil
	}
	specs = withIDs(specs)
	return q.exclusive(ctx, func() error {
		records, err := q.read()
		if err != nil {
			return err
		}
		return q.rewrite(specs, records)
	})
}

func (q *FileQueue) Remove(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	removed := 0
	err := q.exclusive(ctx, func() error {
		records, err := q.read()
		if err != nil {
			return err
		}
		var kept []record
		kept, removed = without(records, ids)
		if removed == 0 {
			return nil
		}
		return q.rewrite(nil, kept)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (q *FileQueue) List(ctx context.Context) ([]core.JobSpec, error) {
	var records []record
	err := q.shared(ctx, func() error {
		var err error
		records, err = q.read()
		return err
	})
	if err != nil {
		return nil, err
	}
	specs := make([]core.JobSpec, 0, len(records))
	for _, r := range records {
		if r.err == nil {
			specs = append(specs, r.spec)
		}
	}
	return specs, nil
}

func (q *FileQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.shared(ctx, func() error {
		records, err := q.read()
		n = len(records)
		return err
	})
	return n, err
}

func (q *FileQueue) read() ([]record, error) {
	f, err := os.Open(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("backlog: open %s: %w", q.path, err)
	}
	defer f.Close()

	var records []record
	br := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if len(line) > maxLineSize {
				records = append(records, record{
					raw: line,
					err: fmt.Errorf("%w: record of %d bytes exceeds %d", core.ErrMalformedRecord, len(line), maxLineSize),
				})
			} else {
				records = append(records, decodeRecord(line))
			}
		}
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("backlog: read %s: %w", q.path, err)
		}
	}
}

// rewrite replaces the file with head (encoded) followed by rest (raw).
func (q *FileQueue) rewrite(head []core.JobSpec, rest []record) error {
	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(q.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("backlog: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	w := bufio.NewWriter(tmp)
	for _, spec := range head {
		line, err := encodeSpec(spec)
		if err != nil {
			cleanup()
			return err
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	for _, r := range rest {
		w.Write(r.raw)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("backlog: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("backlog: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("backlog: close temp: %w", err)
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("backlog: replace %s: %w", q.path, err)
	}
	syncDir(dir)
	return nil
}

func (q *FileQueue) endsWithoutNewline() (bool, error) {
	f, err := os.Open(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("backlog: open %s: %w", q.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return false, err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("backlog: read %s: %w", q.path, err)
	}
	return last[0] != '\n', nil
}

// syncDir makes the rename durable. Not every platform supports fsync on a
// directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
