package durability

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrReplayExhausted is returned when replay reads past the replay target.
	ErrReplayExhausted = errors.New("durability: no more entries to replay")
	// ErrIncompleteRemoteWrite aborts the replay of a non-idempotent remote
	// write that never recorded its end.
	ErrIncompleteRemoteWrite = errors.New("durability: non-idempotent remote write was not completed, cannot retry")
	// ErrPersistNothingReplay is returned when a durable call is replayed
	// inside a persist-nothing zone.
	ErrPersistNothingReplay = errors.New("durability: cannot replay a durable call in a persist-nothing zone")
)

// InterruptKind tells the executor why the worker must stop.
type InterruptKind int

const (
	// InterruptJump restarts the worker so it replays up to a jump target.
	InterruptJump InterruptKind = iota + 1
	// InterruptCancel stops the worker because its context was cancelled.
	InterruptCancel
)

func (k InterruptKind) String() string {
	switch k {
	case InterruptJump:
		return "jump"
	case InterruptCancel:
		return "cancel"
	default:
		return fmt.Sprintf("InterruptKind(%d)", int(k))
	}
}

// InterruptError asks the executor to interrupt the worker.
type InterruptError struct {
	Kind InterruptKind
}

func (e *InterruptError) Error() string { return "worker interrupted: " + e.Kind.String() }

// IsInterrupt extracts the interrupt kind from err.
func IsInterrupt(err error) (InterruptKind, bool) {
	var ie *InterruptError
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return 0, false
}

// RecordedError is a failure returned by a durable call and replayed from
// the oplog.
type RecordedError struct {
	Message string
}

func (e *RecordedError) Error() string { return e.Message }
