// Package registry records the content hashes of files that were uploaded
// successfully. It is the dedup authority for the upload executor: a hash
// present here means the bytes already live in object storage, whatever path
// they were found under.
//
// Rows are insert-only. The SQLite store survives restarts; Memory is a
// drop-in for tests.
package registry
