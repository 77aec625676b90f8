package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/videobot/delivery"
	"github.com/videobot/delivery/telemetry"
)

// Instrumented wraps a Backend with metrics recording.
type Instrumented struct {
	backend Backend
}

// NewInstrumented creates a new instrumented backend wrapper.
func NewInstrumented(b Backend) *Instrumented {
	return &Instrumented{backend: b}
}

func (ib *Instrumented) Name() string { return ib.backend.Name() }

func (ib *Instrumented) Connect(ctx context.Context) error {
	start := time.Now()
	err := ib.backend.Connect(ctx)
	telemetry.RecordBackendOp(ctx, ib.Name(), "connect", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *Instrumented) Connected() bool { return ib.backend.Connected() }

func (ib *Instrumented) Upload(ctx context.Context, localPath, key string, opts UploadOptions) (*delivery.ObjectInfo, error) {
	start := time.Now()
	info, err := ib.backend.Upload(ctx, localPath, key, opts)
	var bytes int64
	if info != nil {
		bytes = info.Size
	}
	telemetry.RecordBackendOp(ctx, ib.Name(), "upload", outcomeFromError(err), time.Since(start), bytes)
	return info, err
}

func (ib *Instrumented) Download(ctx context.Context, key, localPath string) error {
	start := time.Now()
	err := ib.backend.Download(ctx, key, localPath)
	telemetry.RecordBackendOp(ctx, ib.Name(), "download", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *Instrumented) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Open(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.Name(), "open", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *Instrumented) Stat(ctx context.Context, key string) (*delivery.ObjectInfo, error) {
	start := time.Now()
	info, err := ib.backend.Stat(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.Name(), "stat", outcomeFromError(err), time.Since(start), 0)
	return info, err
}

func (ib *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.Name(), "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *Instrumented) List(ctx context.Context, prefix string, limit int) ([]delivery.ObjectInfo, error) {
	start := time.Now()
	infos, err := ib.backend.List(ctx, prefix, limit)
	telemetry.RecordBackendOp(ctx, ib.Name(), "list", outcomeFromError(err), time.Since(start), 0)
	return infos, err
}

func (ib *Instrumented) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	start := time.Now()
	url, err := ib.backend.Presign(ctx, key, expiry)
	telemetry.RecordBackendOp(ctx, ib.Name(), "presign", outcomeFromError(err), time.Since(start), 0)
	return url, err
}

func (ib *Instrumented) Stats(ctx context.Context) (*Stats, error) {
	start := time.Now()
	stats, err := ib.backend.Stats(ctx)
	telemetry.RecordBackendOp(ctx, ib.Name(), "stats", outcomeFromError(err), time.Since(start), 0)
	return stats, err
}

func (ib *Instrumented) PublicURL(key string) (string, bool) {
	return ib.backend.PublicURL(key)
}

// Unwrap returns the underlying backend.
func (ib *Instrumented) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, delivery.ErrNotFound) {
		return "not_found"
	}
	return "error"
}

var _ Backend = (*Instrumented)(nil)
