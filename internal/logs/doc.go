// Package logs reads the daemon's log file for `ferry logs`.
//
// Last returns the final lines with bounded memory and the offset where the
// file ended. Follow polls from an offset and hands each new line to a
// callback until the context ends; a file that shrinks is treated as
// replaced and read again from the start.
package logs
