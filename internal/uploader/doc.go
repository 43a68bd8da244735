// Package uploader drains the durable queue into object storage.
//
// Each cycle takes a batch of entries whose backoff has elapsed, hashes
// every file and short-circuits content the registry already holds. New
// content is uploaded under {vehicle}/{date}/{tag}/{filename}; a key that
// already exists is never overwritten. Successful uploads are registered,
// marked for deferred deletion and removed from the queue in that order.
// Retryable failures stay queued with their attempt count, permanent ones
// leave the queue with a single terminal event.
package uploader
