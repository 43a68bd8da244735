// Package objectstore uploads files to S3-compatible or Google Cloud
// Storage buckets.
//
// The uploader depends only on Store. Backends classify every failure as
// retryable, permanent or canceled through Classify so the caller decides
// between RecordFailure and a terminal removal without knowing which cloud
// it talks to. BuildKey derives the object key layout shared by all
// backends.
package objectstore
