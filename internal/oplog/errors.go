package oplog

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrStorage marks failures of the indexed store or the blob sink.
var ErrStorage = errors.New("oplog storage error")

// ErrClosed is returned by handles used after Close.
var ErrClosed = errors.New("oplog closed")

// ErrNotFound is returned when a worker has no oplog in any tier.
var ErrNotFound = errors.New("oplog not found")

// ErrEntryNotFound is returned when no tier holds the requested index.
var ErrEntryNotFound = errors.New("oplog entry not found")

// StorageError wraps err with context and marks it as ErrStorage.
func StorageError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrStorage)
}

// IsStorageError reports whether err originates in a backing store.
func IsStorageError(err error) bool { return errors.Is(err, ErrStorage) }

// UnexpectedOplogEntryError is raised when replay diverges from history.
type UnexpectedOplogEntryError struct {
	Expected string
	Got      string
}

func (e *UnexpectedOplogEntryError) Error() string {
	return fmt.Sprintf("unexpected oplog entry: expected %s, got %s", e.Expected, e.Got)
}

// DecodeError reports a corrupt or unknown serialized entry.
type DecodeError struct {
	Tag    Kind
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Tag != 0 {
		return fmt.Sprintf("oplog decode %s: %s", e.Tag, e.Reason)
	}
	return "oplog decode: " + e.Reason
}

// PayloadNotFoundError is returned when an external payload is missing from
// the blob sink.
type PayloadNotFoundError struct {
	Key string
}

func (e *PayloadNotFoundError) Error() string { return "oplog payload not found: " + e.Key }

// PayloadCorruptError is returned when downloaded bytes fail the md5 check.
type PayloadCorruptError struct {
	Key string
}

func (e *PayloadCorruptError) Error() string { return "oplog payload checksum mismatch: " + e.Key }
