// Package updatelog is an append-only log of document updates with
// checkpoints, used to recover documents changed since their last snapshot
package updatelog

import "errors"

var (
	// ErrCorrupted indicates an entry whose CRC does not match
	ErrCorrupted = errors.New("updatelog: corrupted entry")

	// ErrTruncated indicates an entry cut short, usually by a torn write
	ErrTruncated = errors.New("updatelog: truncated entry")

	// ErrLogClosed indicates an operation on a closed log
	ErrLogClosed = errors.New("updatelog: log closed")

	// ErrLogNotFound indicates no log files exist
	ErrLogNotFound = errors.New("updatelog: log not found")
)
