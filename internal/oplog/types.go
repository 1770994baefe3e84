package oplog

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkerID names a worker within a component.
type WorkerID struct {
	ComponentID uuid.UUID `json:"component_id"`
	Name        string    `json:"name"`
}

func (w WorkerID) String() string { return w.ComponentID.String() + "/" + w.Name }

// OwnedWorkerID scopes a worker to the project that owns it.
type OwnedWorkerID struct {
	ProjectID uuid.UUID `json:"project_id"`
	WorkerID  WorkerID  `json:"worker_id"`
}

func (o OwnedWorkerID) String() string { return o.ProjectID.String() + "/" + o.WorkerID.String() }

// ParseOwnedWorkerID parses the project/component/name form produced by
// OwnedWorkerID.String. The worker name may itself contain slashes.
func ParseOwnedWorkerID(s string) (OwnedWorkerID, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[2] == "" {
		return OwnedWorkerID{}, fmt.Errorf("worker id %q: want project/component/name", s)
	}
	project, err := uuid.Parse(parts[0])
	if err != nil {
		return OwnedWorkerID{}, fmt.Errorf("worker id %q: project: %w", s, err)
	}
	component, err := uuid.Parse(parts[1])
	if err != nil {
		return OwnedWorkerID{}, fmt.Errorf("worker id %q: component: %w", s, err)
	}
	return OwnedWorkerID{ProjectID: project, WorkerID: WorkerID{ComponentID: component, Name: parts[2]}}, nil
}

// ComponentType selects between durable and ephemeral oplog handling.
type ComponentType int

const (
	Durable ComponentType = iota
	Ephemeral
)

// IdempotencyKey identifies one exported function invocation.
type IdempotencyKey string

// FreshIdempotencyKey returns a random key.
func FreshIdempotencyKey() IdempotencyKey { return IdempotencyKey(uuid.NewString()) }

// FunctionKind classifies a host function for durability purposes.
type FunctionKind int

const (
	ReadLocal FunctionKind = iota
	WriteLocal
	ReadRemote
	WriteRemote
	WriteRemoteBatched
)

var functionKindNames = [...]string{"ReadLocal", "WriteLocal", "ReadRemote", "WriteRemote", "WriteRemoteBatched"}

func (k FunctionKind) String() string {
	if int(k) < len(functionKindNames) {
		return functionKindNames[k]
	}
	return fmt.Sprintf("FunctionKind(%d)", int(k))
}

// DurableFunctionType is recorded with every imported function call.
// BatchBegin is set for WriteRemoteBatched calls.
type DurableFunctionType struct {
	Kind       FunctionKind `json:"kind"`
	BatchBegin *Index       `json:"batch_begin,omitempty"`
}

// PersistenceLevel controls what a worker writes to its oplog.
type PersistenceLevel int

const (
	Smart PersistenceLevel = iota
	PersistRemoteSideEffects
	PersistNothing
)

func (p PersistenceLevel) String() string {
	switch p {
	case PersistNothing:
		return "PersistNothing"
	case PersistRemoteSideEffects:
		return "PersistRemoteSideEffects"
	default:
		return "Smart"
	}
}

// CommitLevel is the durability requested from Oplog.Commit.
type CommitLevel int

const (
	// Immediate flushes and syncs the buffer.
	Immediate CommitLevel = iota
	// Always flushes, syncs and waits for the configured replicas.
	Always
	// DurableOnly flushes without waiting for the sync.
	DurableOnly
)

// RetryConfig is an exponential backoff policy.
type RetryConfig struct {
	MaxAttempts     uint32        `json:"max_attempts" yaml:"maxAttempts"`
	MinDelay        time.Duration `json:"min_delay" yaml:"minDelay"`
	MaxDelay        time.Duration `json:"max_delay" yaml:"maxDelay"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier"`
	MaxJitterFactor *float64      `json:"max_jitter_factor,omitempty" yaml:"maxJitterFactor,omitempty"`
}

// DefaultRetryConfig matches the executor defaults.
func DefaultRetryConfig() RetryConfig {
	jitter := 0.15
	return RetryConfig{
		MaxAttempts:     3,
		MinDelay:        100 * time.Millisecond,
		MaxDelay:        time.Second,
		Multiplier:      3,
		MaxJitterFactor: &jitter,
	}
}

// IsRetriable decides whether err may be retried after count attempts.
func (c RetryConfig) IsRetriable(err WorkerError, count uint32) bool {
	switch err.Kind {
	case ErrorUnknown:
		return count < c.MaxAttempts
	case ErrorOutOfMemory:
		return true
	default:
		return false
	}
}

// Delay returns the backoff before the given attempt (1-based), without
// jitter.
func (c RetryConfig) Delay(attempt uint32) time.Duration {
	if attempt == 0 {
		return 0
	}
	d := float64(c.MinDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// WorkerErrorKind classifies the failure recorded in an Error entry.
type WorkerErrorKind int

const (
	ErrorUnknown WorkerErrorKind = iota
	ErrorInvalidRequest
	ErrorStackOverflow
	ErrorOutOfMemory
	ErrorExceededMemoryLimit
)

// WorkerError is a failure of the worker's own execution.
type WorkerError struct {
	Kind    WorkerErrorKind `json:"kind"`
	Details string          `json:"details,omitempty"`
}

func (e WorkerError) String() string {
	switch e.Kind {
	case ErrorInvalidRequest:
		return "invalid request: " + e.Details
	case ErrorStackOverflow:
		return "stack overflow"
	case ErrorOutOfMemory:
		return "out of memory"
	case ErrorExceededMemoryLimit:
		return "exceeded memory limit"
	default:
		return "unknown error: " + e.Details
	}
}

// UpdateKind selects how a component update is applied.
type UpdateKind int

const (
	AutomaticUpdate UpdateKind = iota
	SnapshotBasedUpdate
)

// UpdateDescription is carried by PendingUpdate entries. Payload holds the
// snapshot for snapshot based updates.
type UpdateDescription struct {
	Kind          UpdateKind `json:"kind"`
	TargetVersion uint64     `json:"target_version"`
	Payload       Payload    `json:"payload"`
}

// InvocationKind distinguishes queued invocations.
type InvocationKind int

const (
	ExportedFunctionInvocation InvocationKind = iota
	ManualUpdateInvocation
)

// WorkerInvocation is a queued request waiting for the worker.
type WorkerInvocation struct {
	Kind           InvocationKind `json:"kind"`
	IdempotencyKey IdempotencyKey `json:"idempotency_key,omitempty"`
	FunctionName   string         `json:"function_name,omitempty"`
	Input          []byte         `json:"input,omitempty"`
	TargetVersion  uint64         `json:"target_version,omitempty"`
}

// LogLevel of a Log entry.
type LogLevel int

const (
	LogStdout LogLevel = iota
	LogStderr
	LogTrace
	LogDebug
	LogInfo
	LogWarn
	LogError
	LogCritical
)

// ResourceID identifies a resource owned by a worker.
type ResourceID uint64

// KeyValue is an ordered string pair used for env vars and span attributes.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
