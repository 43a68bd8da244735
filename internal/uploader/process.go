package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"ferry/internal/fileutil"
	"ferry/internal/logging"
	"ferry/internal/marks"
	"ferry/internal/metrics"
	"ferry/internal/objectstore"
	"ferry/internal/queue"
	"ferry/internal/registry"
)

type outcomeKind int

const (
	outcomeUploaded outcomeKind = iota
	outcomeDeduplicated
	outcomeRetry
	outcomeFailed
	outcomeCanceled
	outcomeDeferred
)

type outcome struct {
	kind  outcomeKind
	bytes int64
}

// errNotRegular is returned for paths that turned into something other
// than a regular file after they were queued.
var errNotRegular = errors.New("not a regular file")

// errKeyConflict means both the natural and the content-suffixed key hold
// objects with other content.
var errKeyConflict = errors.New("content-suffixed key holds different content")

// process runs one entry through hash, dedup, transfer and bookkeeping.
func (e *Executor) process(ctx context.Context, logger *slog.Logger, entry queue.Entry) outcome {
	if !e.claim(entry.Path) {
		return outcome{kind: outcomeDeferred}
	}
	defer e.release(entry.Path)

	logger = logger.With(
		logging.String(logging.FieldPath, entry.Path),
		logging.String(logging.FieldSourceTag, entry.SourceTag),
		logging.Int(logging.FieldAttempt, entry.Attempts+1),
	)
	logger.Debug("upload started", logging.String(FieldState, string(StateUploading)))
	started := e.now()

	info, err := os.Stat(entry.Path)
	if err == nil && !info.Mode().IsRegular() {
		err = errNotRegular
	}
	if err != nil {
		return e.fail(ctx, logger, entry, localError("stat", entry.Path, err))
	}

	hash, size, err := fileutil.HashFile(entry.Path)
	if err != nil {
		return e.fail(ctx, logger, entry, localError("hash", entry.Path, err))
	}

	res, err := e.sharedTransfer(ctx, logger, entry, hash, size)
	if err != nil {
		if errors.Is(err, errRegistryWrite) {
			return outcome{kind: outcomeRetry}
		}
		return e.fail(ctx, logger, entry, err)
	}
	return e.complete(ctx, logger, entry, completion{
		key:          res.key,
		size:         size,
		started:      started,
		deduplicated: res.deduplicated || res.owner != entry.Path,
		multipart:    res.multipart && res.owner == entry.Path,
	})
}

// maxForeignFlights bounds how often a path rejoins a flight after another
// path's flight failed permanently.
const maxForeignFlights = 3

// sharedTransfer runs transfer once per content hash: concurrent workers
// holding identical content share one flight. A permanent failure belongs to
// the path that owned the flight; a waiter whose file was not involved
// starts its own flight rather than inheriting it.
func (e *Executor) sharedTransfer(ctx context.Context, logger *slog.Logger, entry queue.Entry, hash string, size int64) (transferResult, error) {
	var (
		res transferResult
		err error
	)
	for range maxForeignFlights {
		var v any
		v, err, _ = e.flights.Do(hash, func() (any, error) {
			return e.transfer(ctx, logger, entry, hash, size)
		})
		res, _ = v.(transferResult)
		if err == nil || res.owner == entry.Path || !objectstore.IsPermanent(err) {
			return res, err
		}
		logger.Debug("shared upload failed for another path; starting own transfer",
			logging.String("flight_owner", res.owner),
			logging.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	return res, fmt.Errorf("shared upload owned by %s failed: %v", res.owner, err)
}

// errRegistryWrite means the object was stored but the registry write
// failed; the entry stays queued without counting an attempt.
var errRegistryWrite = errors.New("registry write failed")

type transferResult struct {
	owner        string
	key          string
	deduplicated bool
	multipart    bool
}

// transfer resolves the content against the registry and the store and
// uploads it when nothing holds it yet. On success the registry records the
// hash before transfer returns.
func (e *Executor) transfer(ctx context.Context, logger *slog.Logger, entry queue.Entry, hash string, size int64) (transferResult, error) {
	res := transferResult{owner: entry.Path}

	existing, found, err := e.registry.Lookup(ctx, hash)
	if err != nil {
		e.sink.Error("uploader", "registry_lookup")
		return res, fmt.Errorf("registry lookup: %w", err)
	}
	if found {
		res.key = existing.Key
		res.deduplicated = true
		return res, nil
	}

	key := objectstore.BuildKey(e.cfg.Vehicle.ID, e.now(), entry.SourceTag, entry.Path)
	stored, taken, err := e.store.Stat(ctx, key)
	if err != nil {
		return res, err
	}
	if taken && stored.SHA256 != hash {
		// A different object owns the natural key; never overwrite it.
		key = objectstore.CollisionKey(key, hash)
		stored, taken, err = e.store.Stat(ctx, key)
		if err != nil {
			return res, err
		}
		if taken && stored.SHA256 != "" && stored.SHA256 != hash {
			return res, objectstore.Permanent("stat", key, errKeyConflict)
		}
		if !taken {
			logger.Info("object key taken; using content-suffixed key",
				logging.String(logging.FieldEventType, "object_key_collision"),
				logging.String(logging.FieldObjectKey, key),
			)
		}
	}
	res.key = key

	if taken {
		// An earlier attempt stored this content but its registry write never
		// landed, or the put completed after the client gave up on it.
		res.deduplicated = true
		logger.Info("content already stored; recording it",
			logging.String(logging.FieldEventType, "object_already_stored"),
			logging.String(logging.FieldObjectKey, key),
		)
	} else {
		file, err := os.Open(entry.Path)
		if err != nil {
			return res, localError("open", entry.Path, err)
		}
		defer file.Close()

		result, err := e.store.Put(ctx, key, objectstore.Object{
			Body:        file,
			Size:        size,
			SHA256:      hash,
			ContentType: "application/octet-stream",
			Metadata: map[string]string{
				"vehicle-id": e.cfg.Vehicle.ID,
				"source-tag": entry.SourceTag,
			},
		})
		if err != nil {
			return res, err
		}
		res.multipart = result.Multipart
	}

	// Bookkeeping must land even when shutdown cancelled ctx mid-transfer.
	_, err = e.registry.Record(context.WithoutCancel(ctx), registry.Entry{
		Hash:       hash,
		Path:       entry.Path,
		Key:        key,
		Size:       size,
		UploadedAt: e.now().UTC(),
	})
	if err != nil {
		// The next attempt finds this digest under the key and only retries the write.
		e.sink.Error("uploader", "registry_record")
		logging.ErrorWithContext(logger, "registry write failed after upload", "registry_record_failed",
			logging.String(logging.FieldObjectKey, key),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check free space and permissions of state_dir"),
		)
		return res, fmt.Errorf("%w: %v", errRegistryWrite, err)
	}
	return res, nil
}

type completion struct {
	key          string
	size         int64
	started      time.Time
	deduplicated bool
	multipart    bool
}

// complete finishes an entry whose content the registry now holds: the
// deletion mark first, then the queue removal. A crash between the steps
// leaves an entry the next cycle resolves through the dedup path.
func (e *Executor) complete(ctx context.Context, logger *slog.Logger, entry queue.Entry, c completion) outcome {
	// Bookkeeping must land even when shutdown cancelled ctx mid-transfer.
	ctx = context.WithoutCancel(ctx)
	now := e.now().UTC()

	if e.cfg.Retention.Deferred.Enabled && e.marks != nil {
		eligible := now.Add(time.Duration(e.cfg.Retention.Deferred.KeepDays) * 24 * time.Hour)
		if _, err := e.marks.Mark(ctx, marks.Mark{Path: entry.Path, EligibleAfter: eligible, CreatedAt: now}); err != nil {
			e.sink.Error("uploader", "mark")
			logging.WarnWithContext(logger, "deletion mark not recorded", "deletion_mark_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check marks.db in state_dir"),
				logging.String(logging.FieldImpact, "file is only removed by age-based or emergency cleanup"),
			)
		} else {
			logger.Debug("deletion marked",
				logging.String(FieldState, string(StateDeletionMarked)),
				logging.Time("eligible_after", eligible),
			)
		}
	}

	if _, err := e.queue.Remove(entry.Path); err != nil {
		e.sink.Error("uploader", "queue_remove")
		logging.ErrorWithContext(logger, "queue removal failed after upload", "queue_remove_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the next cycle resolves the entry as a duplicate"),
		)
	}

	event := metrics.UploadEvent{
		Path:         entry.Path,
		SourceTag:    entry.SourceTag,
		Key:          c.key,
		Attempts:     entry.Attempts + 1,
		Duration:     e.now().Sub(c.started),
		Deduplicated: c.deduplicated,
		Multipart:    c.multipart,
	}
	if !c.deduplicated {
		event.Bytes = c.size
	}
	logger.Info("upload succeeded",
		logging.String(logging.FieldEventType, "upload_succeeded"),
		logging.String(FieldState, string(StateUploaded)),
		logging.String(logging.FieldObjectKey, c.key),
		logging.Bool("deduplicated", c.deduplicated),
		logging.Bytes("size", c.size),
	)
	e.sink.UploadSucceeded(event)
	if c.deduplicated {
		return outcome{kind: outcomeDeduplicated}
	}
	return outcome{kind: outcomeUploaded, bytes: c.size}
}

// fail applies the classification of err to the entry.
func (e *Executor) fail(ctx context.Context, logger *slog.Logger, entry queue.Entry, err error) outcome {
	kind := objectstore.Classify(err)
	if kind == objectstore.KindCanceled || (ctx.Err() != nil && kind != objectstore.KindPermanent) {
		logger.Info("upload interrupted by shutdown",
			logging.String(logging.FieldEventType, "upload_canceled"),
			logging.String(FieldState, string(StateQueued)),
		)
		return outcome{kind: outcomeCanceled}
	}

	event := metrics.UploadEvent{
		Path:      entry.Path,
		SourceTag: entry.SourceTag,
		Attempts:  entry.Attempts + 1,
		Err:       err,
	}

	if kind == objectstore.KindPermanent {
		removed, rmErr := e.queue.Remove(entry.Path)
		if rmErr != nil {
			e.sink.Error("uploader", "queue_remove")
			logging.ErrorWithContext(logger, "queue removal failed for permanent failure", "queue_remove_failed",
				logging.Error(rmErr),
				logging.String(logging.FieldErrorHint, "check free space and permissions of state_dir"),
			)
			return outcome{kind: outcomeRetry}
		}
		if !removed {
			return outcome{kind: outcomeCanceled}
		}
		event.Terminal = true
		event.Reason = metrics.ReasonPermanent
		logger.Debug("upload failed permanently", logging.String(FieldState, string(StateFailedPermanent)))
		e.sink.UploadFailed(event)
		return outcome{kind: outcomeFailed}
	}

	updated, exhausted, recErr := e.queue.RecordFailure(entry.Path, err)
	if recErr != nil {
		if errors.Is(recErr, queue.ErrNotQueued) {
			return outcome{kind: outcomeCanceled}
		}
		e.sink.Error("uploader", "queue_record_failure")
		logging.ErrorWithContext(logger, "could not record upload failure", "queue_record_failure_failed",
			logging.Error(recErr),
			logging.String(logging.FieldErrorHint, "check free space and permissions of state_dir"),
		)
		return outcome{kind: outcomeRetry}
	}
	event.Attempts = updated.Attempts
	if exhausted {
		event.Terminal = true
		event.Reason = metrics.ReasonExhausted
		logger.Debug("upload attempts exhausted", logging.String(FieldState, string(StateFailedExhausted)))
		e.sink.UploadFailed(event)
		return outcome{kind: outcomeFailed}
	}
	event.Reason = metrics.ReasonRetryable
	next := NextAttempt(updated, e.cfg.RetryBase(), e.cfg.RetryCap())
	logger.Debug("retry scheduled",
		logging.String(FieldState, string(StateQueued)),
		logging.Time("next_attempt", next),
	)
	e.sink.UploadFailed(event)
	return outcome{kind: outcomeRetry}
}

// localError marks file-system failures on the source file. A vanished or
// unreadable file can never be uploaded; anything else is retried.
func localError(op, path string, err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) || errors.Is(err, errNotRegular) {
		return objectstore.Permanent(op, path, err)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}
