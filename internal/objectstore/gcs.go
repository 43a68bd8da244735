package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSOptions configures the Google Cloud Storage backend.
type GCSOptions struct {
	Bucket          string
	Endpoint        string
	CredentialsFile string
	// Objects at or above MultipartThreshold use a resumable upload with
	// ChunkSize chunks; smaller objects are sent in one request.
	MultipartThreshold int64
	ChunkSize          int64
}

// GCS writes objects with a DoesNotExist precondition so an existing object
// is never replaced.
type GCS struct {
	client    *storage.Client
	bucket    *storage.BucketHandle
	threshold int64
	chunkSize int
}

// NewGCS creates a client using the credentials file when set and
// application default credentials otherwise.
func NewGCS(ctx context.Context, opts GCSOptions) (*GCS, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("objectstore: gcs bucket is required")
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: new storage client: %w", err)
	}
	return &GCS{
		client:    client,
		bucket:    client.Bucket(opts.Bucket),
		threshold: opts.MultipartThreshold,
		chunkSize: int(max(opts.ChunkSize, 0)),
	}, nil
}

func (g *GCS) Put(ctx context.Context, key string, obj Object) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resumable := g.threshold > 0 && obj.Size >= g.threshold
	w := g.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if resumable {
		w.ChunkSize = g.chunkSize
	} else {
		w.ChunkSize = 0
	}
	w.ContentType = obj.ContentType
	w.Metadata = metadata(obj)

	if _, err := io.Copy(w, io.NewSectionReader(obj.Body, 0, obj.Size)); err != nil {
		// Cancelling the writer's context discards the partial upload.
		cancel()
		_ = w.Close()
		return Result{}, wrap("put", key, err)
	}
	if err := w.Close(); err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed {
			return Result{}, &Error{Op: "put", Key: key, Kind: KindRetryable, Err: fmt.Errorf("object already exists: %w", err)}
		}
		return Result{}, wrap("put", key, err)
	}
	attrs := w.Attrs()
	result := Result{Key: key, Multipart: resumable, Parts: 1}
	if attrs != nil {
		result.ETag = attrs.Etag
	}
	return result, nil
}

func (g *GCS) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := g.Stat(ctx, key)
	return ok, err
}

func (g *GCS) Stat(ctx context.Context, key string) (Info, bool, error) {
	attrs, err := g.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return Info{}, false, nil
		}
		return Info{}, false, wrap("attrs", key, err)
	}
	return Info{Size: attrs.Size, SHA256: metadataValue(attrs.Metadata, "sha256")}, true, nil
}

func (g *GCS) Close() error { return g.client.Close() }
