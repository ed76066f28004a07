package localstore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/asset-pipeline/telemetry"
)

// Instrumented wraps a Store with metrics recording.
type Instrumented struct {
	store Store
	name  string
}

// NewInstrumented creates a new instrumented store wrapper.
func NewInstrumented(s Store, name string) *Instrumented {
	return &Instrumented{store: s, name: name}
}

func (is *Instrumented) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := is.store.Write(ctx, key, cr)
	telemetry.RecordStoreOp(ctx, is.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (is *Instrumented) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := is.store.Read(ctx, key)
	telemetry.RecordStoreOp(ctx, is.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (is *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := is.store.Delete(ctx, key)
	telemetry.RecordStoreOp(ctx, is.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := is.store.Exists(ctx, key)
	telemetry.RecordStoreOp(ctx, is.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (is *Instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := is.store.List(ctx, prefix)
	telemetry.RecordStoreOp(ctx, is.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// outcomeFromError maps an error to a low-cardinality outcome label.
func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// countingReader counts bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var _ Store = (*Instrumented)(nil)
