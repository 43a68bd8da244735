// Package marks stores deferred-deletion marks: a file uploaded successfully
// becomes eligible for deletion keep_days later. Marks are keyed by path and
// survive restarts in a bbolt file.
package marks
