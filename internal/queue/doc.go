// Package queue persists pending uploads, one entry per absolute file path.
//
// The Store keeps the queue in memory behind a single mutex and writes the
// whole set to a JSON snapshot with an atomic replace after every mutation,
// so a crash loses nothing that a call already returned for. Entries carry
// their attempt count and last attempt time; the upload executor derives
// backoff from those fields alone.
//
// Enqueue rejects empty paths, directories and missing files at the boundary.
// RecordFailure removes an entry once it reaches the attempt ceiling and fires
// the exhausted hook exactly once. Reconcile drops entries whose file vanished
// while the daemon was down.
package queue
