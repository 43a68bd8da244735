package objectstore

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"ferry/internal/logging"
)

// Minimum part size accepted by S3 for every part but the last.
const minPartSize = 5 << 20

// S3Options configures the S3 backend. Any S3-compatible endpoint works.
type S3Options struct {
	Bucket             string
	Region             string
	Endpoint           string
	AccessKeyID        string
	SecretAccessKey    string
	UsePathStyle       bool
	MultipartThreshold int64
	PartSize           int64
	Logger             *slog.Logger
}

// S3 uploads with PutObject below the multipart threshold and with a
// manual multipart flow above it.
type S3 struct {
	client    *s3.Client
	bucket    string
	threshold int64
	partSize  int64
	logger    *slog.Logger
}

// NewS3 builds a client from the default AWS credential chain, overridden
// by static credentials when both key parts are configured.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("objectstore: s3 bucket is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return newS3WithClient(client, opts), nil
}

func newS3WithClient(client *s3.Client, opts S3Options) *S3 {
	partSize := max(opts.PartSize, minPartSize)
	threshold := opts.MultipartThreshold
	if threshold <= 0 {
		threshold = 64 << 20
	}
	return &S3{
		client:    client,
		bucket:    opts.Bucket,
		threshold: max(threshold, partSize),
		partSize:  partSize,
		logger:    logging.NewComponentLogger(opts.Logger, "objectstore"),
	}
}

func (s *S3) Put(ctx context.Context, key string, obj Object) (Result, error) {
	if obj.Size >= s.threshold {
		return s.putMultipart(ctx, key, obj)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          io.NewSectionReader(obj.Body, 0, obj.Size),
		ContentLength: aws.Int64(obj.Size),
		Metadata:      metadata(obj),
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if sum, ok := checksumSHA256(obj.SHA256); ok {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmSha256
		input.ChecksumSHA256 = aws.String(sum)
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return Result{}, wrap("put", key, err)
	}
	return Result{Key: key, ETag: aws.ToString(out.ETag), Parts: 1}, nil
}

func (s *S3) putMultipart(ctx context.Context, key string, obj Object) (Result, error) {
	create := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Metadata: metadata(obj),
	}
	if obj.ContentType != "" {
		create.ContentType = aws.String(obj.ContentType)
	}
	mpu, err := s.client.CreateMultipartUpload(ctx, create)
	if err != nil {
		return Result{}, wrap("create multipart", key, err)
	}
	uploadID := aws.ToString(mpu.UploadId)

	parts, err := s.uploadParts(ctx, key, uploadID, obj)
	if err != nil {
		s.abort(ctx, key, uploadID)
		return Result{}, err
	}
	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abort(ctx, key, uploadID)
		return Result{}, wrap("complete multipart", key, err)
	}
	return Result{Key: key, ETag: aws.ToString(out.ETag), Multipart: true, Parts: len(parts)}, nil
}

func (s *S3) uploadParts(ctx context.Context, key, uploadID string, obj Object) ([]types.CompletedPart, error) {
	var parts []types.CompletedPart
	for offset, number := int64(0), int32(1); offset < obj.Size; offset, number = offset+s.partSize, number+1 {
		size := min(s.partSize, obj.Size-offset)
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(number),
			Body:          io.NewSectionReader(obj.Body, offset, size),
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			return nil, wrap(fmt.Sprintf("upload part %d", number), key, err)
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(number)})
	}
	return parts, nil
}

// abort runs on a detached context so a cancelled upload still cleans up.
func (s *S3) abort(ctx context.Context, key, uploadID string) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	_, err := s.client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		logging.WarnWithContext(s.logger, "abort multipart upload failed", "multipart_abort_failed",
			logging.String(logging.FieldObjectKey, key),
			logging.String("upload_id", uploadID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the startup sweep will retry the abort"),
			logging.String(logging.FieldImpact, "incomplete parts remain billable until swept"),
		)
	}
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Stat(ctx, key)
	return ok, err
}

// Stat heads key. The digest comes from the sha256 metadata written by Put,
// falling back to the S3 checksum of single-part objects.
func (s *S3) Stat(ctx context.Context, key string) (Info, bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return Info{}, false, nil
		}
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
			return Info{}, false, nil
		}
		return Info{}, false, wrap("head", key, err)
	}
	info := Info{
		Size:   aws.ToInt64(out.ContentLength),
		SHA256: metadataValue(out.Metadata, "sha256"),
	}
	if info.SHA256 == "" {
		info.SHA256 = hexChecksum(aws.ToString(out.ChecksumSHA256))
	}
	return info, true, nil
}

// SweepStaleMultipart aborts incomplete multipart uploads under prefix that
// were initiated more than olderThan ago.
func (s *S3) SweepStaleMultipart(ctx context.Context, prefix string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	input := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	aborted := 0
	for {
		out, err := s.client.ListMultipartUploads(ctx, input)
		if err != nil {
			return aborted, wrap("list multipart", prefix, err)
		}
		for _, upload := range out.Uploads {
			if upload.Initiated == nil || upload.Initiated.After(cutoff) {
				continue
			}
			_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(s.bucket),
				Key:      upload.Key,
				UploadId: upload.UploadId,
			})
			if err != nil {
				return aborted, wrap("abort multipart", aws.ToString(upload.Key), err)
			}
			aborted++
		}
		if !aws.ToBool(out.IsTruncated) {
			return aborted, nil
		}
		input.KeyMarker = out.NextKeyMarker
		input.UploadIdMarker = out.NextUploadIdMarker
	}
}

func metadata(obj Object) map[string]string {
	md := make(map[string]string, len(obj.Metadata)+1)
	for k, v := range obj.Metadata {
		md[k] = v
	}
	if obj.SHA256 != "" {
		md["sha256"] = obj.SHA256
	}
	return md
}

// metadataValue looks name up ignoring case; S3 user metadata keys are
// case-insensitive and proxies do not agree on the case they return.
func metadataValue(md map[string]string, name string) string {
	for k, v := range md {
		if strings.EqualFold(k, name) {
			return strings.ToLower(strings.TrimSpace(v))
		}
	}
	return ""
}

// hexChecksum converts a base64 S3 checksum into a hex digest. Composite
// multipart checksums ("<base64>-<parts>") yield "".
func hexChecksum(sum string) string {
	raw, err := base64.StdEncoding.DecodeString(sum)
	if err != nil || len(raw) != 32 {
		return ""
	}
	return hex.EncodeToString(raw)
}

// checksumSHA256 converts a hex digest into the base64 form S3 expects.
func checksumSHA256(hexDigest string) (string, bool) {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil || len(raw) != 32 {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(raw), true
}
