package queue

import "errors"

var (
	// ErrInvalidPath rejects empty or whitespace-only paths.
	ErrInvalidPath = errors.New("queue: empty path")
	// ErrIsDirectory rejects paths that resolve to a directory.
	ErrIsDirectory = errors.New("queue: path is a directory")
	// ErrNotFound rejects paths that do not exist at enqueue time.
	ErrNotFound = errors.New("queue: file does not exist")
	// ErrCorruptSnapshot means the persisted queue could not be decoded.
	ErrCorruptSnapshot = errors.New("queue: corrupt snapshot")
)

// IsInputError reports whether err is a boundary rejection from Enqueue
// rather than a persistence failure.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidPath) || errors.Is(err, ErrIsDirectory) || errors.Is(err, ErrNotFound)
}
