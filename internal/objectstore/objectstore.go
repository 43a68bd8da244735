package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"ferry/internal/config"
)

// Object is one file to upload. Body is read with ReadAt so multipart
// uploads can send parts independently and retries can re-read.
type Object struct {
	Body        io.ReaderAt
	Size        int64
	SHA256      string
	ContentType string
	Metadata    map[string]string
}

// Result describes a completed upload.
type Result struct {
	Key       string
	ETag      string
	Multipart bool
	Parts     int
}

// Info describes an object already stored under a key. SHA256 is the hex
// content digest recorded at upload time; it is empty for objects written
// by other tools.
type Info struct {
	Size   int64
	SHA256 string
}

// Store is the object-store capability the uploader depends on.
type Store interface {
	// Put writes obj under key. A failed multipart upload is aborted before
	// Put returns so no partial object is left behind.
	Put(ctx context.Context, key string, obj Object) (Result, error)
	// Exists reports whether key already holds an object.
	Exists(ctx context.Context, key string) (bool, error)
	// Stat returns the attributes of the object under key. ok is false when
	// nothing is stored there.
	Stat(ctx context.Context, key string) (info Info, ok bool, err error)
}

// Sweeper is implemented by backends that can leave incomplete multipart
// uploads behind after a crash.
type Sweeper interface {
	SweepStaleMultipart(ctx context.Context, prefix string, olderThan time.Duration) (int, error)
}

// Closer is implemented by backends holding network clients.
type Closer interface {
	Close() error
}

// Unwrap returns the backend under any decorators.
func Unwrap(s Store) Store {
	for {
		u, ok := s.(interface{ Unwrap() Store })
		if !ok {
			return s
		}
		s = u.Unwrap()
	}
}

// SweepStale aborts stale multipart uploads when the backend supports it.
func SweepStale(ctx context.Context, s Store, prefix string, olderThan time.Duration) (int, error) {
	sw, ok := Unwrap(s).(Sweeper)
	if !ok {
		return 0, nil
	}
	return sw.SweepStaleMultipart(ctx, prefix, olderThan)
}

// Close releases backend resources when the backend holds any.
func Close(s Store) error {
	if c, ok := Unwrap(s).(Closer); ok {
		return c.Close()
	}
	return nil
}

// New builds the configured backend, wrapped in a bandwidth throttle when
// upload.max_bytes_per_second is set.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("objectstore: config is required")
	}
	var (
		store Store
		err   error
	)
	switch cfg.Storage.Backend {
	case config.BackendS3:
		store, err = NewS3(ctx, S3Options{
			Bucket:             cfg.Storage.Bucket,
			Region:             cfg.Storage.Region,
			Endpoint:           cfg.Storage.Endpoint,
			AccessKeyID:        cfg.Storage.AccessKeyID,
			SecretAccessKey:    cfg.Storage.SecretAccessKey,
			UsePathStyle:       cfg.Storage.UsePathStyle,
			MultipartThreshold: cfg.MultipartThreshold(),
			PartSize:           cfg.PartSize(),
			Logger:             logger,
		})
	case config.BackendGCS:
		store, err = NewGCS(ctx, GCSOptions{
			Bucket:             cfg.Storage.Bucket,
			Endpoint:           cfg.Storage.Endpoint,
			CredentialsFile:    cfg.Storage.CredentialsFile,
			MultipartThreshold: cfg.MultipartThreshold(),
			ChunkSize:          cfg.PartSize(),
		})
	default:
		return nil, fmt.Errorf("objectstore: unsupported backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Upload.MaxBytesPerSecond > 0 {
		store = Throttle(store, cfg.Upload.MaxBytesPerSecond)
	}
	return store, nil
}
