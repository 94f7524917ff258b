package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

const tempMarker = ".tmp."

// TempKey returns a unique unpublished key next to key.
func TempKey(key string) string {
	return key + tempMarker + uuid.New().String()
}

// WriteAtomic streams fn's output to a temp object and publishes it at key
// only when fn and the upload both succeed. For object stores publishing is
// copy+delete. A failed write leaves nothing at key.
func WriteAtomic(ctx context.Context, s Store, key string, fn func(w io.Writer) error) error {
	tempKey := TempKey(key)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.NewWriter(wctx, tempKey)
	if err != nil {
		return err
	}

	if err := fn(w); err != nil {
		// Cancelling before Close discards the partial upload.
		cancel()
		w.Close()
		Abort(ctx, s, tempKey)
		return err
	}

	if err := w.Close(); err != nil {
		Abort(ctx, s, tempKey)
		return fmt.Errorf("close writer for %s: %w", tempKey, err)
	}

	return Finalize(ctx, s, []string{tempKey}, []string{key})
}

// Finalize publishes temp objects at their final keys. If any copy fails,
// already published keys are rolled back and all temp objects removed.
func Finalize(ctx context.Context, s Store, tempKeys, finalKeys []string) error {
	if len(tempKeys) != len(finalKeys) {
		return fmt.Errorf("expected %d temp keys, got %d", len(finalKeys), len(tempKeys))
	}

	for i, tempKey := range tempKeys {
		if err := s.Copy(ctx, finalKeys[i], tempKey); err != nil {
			for j := 0; j < i; j++ {
				s.Delete(ctx, finalKeys[j])
			}
			Abort(ctx, s, tempKeys...)
			return fmt.Errorf("finalize %s -> %s: %w", tempKey, finalKeys[i], err)
		}
	}

	for _, tempKey := range tempKeys {
		if err := s.Delete(ctx, tempKey); err != nil {
			slog.Warn("failed to remove temp object", "component", "storage", "key", tempKey, "error", err)
		}
	}
	return nil
}

// Abort removes temp objects without publishing. Missing objects are not an
// error.
func Abort(ctx context.Context, s Store, tempKeys ...string) error {
	var errs []error
	for _, key := range tempKeys {
		if err := s.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
