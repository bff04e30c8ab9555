package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// maxCASAttempts bounds the revision-conflict retries of Swap.
const maxCASAttempts = 8

// ErrConflict is returned when Swap keeps losing revision races.
var ErrConflict = errors.New("kv: revision conflict")

// ErrUnchanged may be returned by a Swap mutation to skip the write.
var ErrUnchanged = errors.New("kv: unchanged")

// Store provides typed access to a NATS KV bucket.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore wraps a NATS KV bucket.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// OpenBucket creates the bucket if needed and wraps it. History is kept at one
// revision; only the current value matters for compare-and-swap.
func OpenBucket(ctx context.Context, js jetstream.JetStream, bucket string) (*Store, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("creating KV bucket %s: %w", bucket, err)
	}
	return NewStore(kv), nil
}

// Get retrieves a value and its revision. A missing key yields nil data,
// revision 0 and no error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

// GetJSON retrieves and unmarshals a JSON value. Missing keys leave v untouched.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, rev, err := s.Get(ctx, key)
	if err != nil || data == nil {
		return rev, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshal key %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// Swap performs a compare-and-swap on key. mutate receives the current value
// (nil when absent) and returns the replacement. The write only lands if no
// other writer changed the key in between; otherwise the read-mutate-write is
// retried. mutate may run several times and must not have side effects.
// When mutate returns ErrUnchanged nothing is written and Swap returns nil.
func (s *Store) Swap(ctx context.Context, key string, mutate func(current []byte) ([]byte, error)) error {
	for i := 0; i < maxCASAttempts; i++ {
		current, rev, err := s.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("get key %s: %w", key, err)
		}
		next, err := mutate(current)
		if errors.Is(err, ErrUnchanged) {
			return nil
		}
		if err != nil {
			return err
		}

		if rev == 0 {
			_, err = s.kv.Create(ctx, key, next)
			if errors.Is(err, jetstream.ErrKeyExists) {
				continue
			}
		} else {
			_, err = s.kv.Update(ctx, key, next, rev)
			if isWrongSequence(err) {
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("write key %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("%w on key %s after %d attempts", ErrConflict, key, maxCASAttempts)
}

func isWrongSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}
