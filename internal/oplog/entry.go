package oplog

import (
	"fmt"
	"time"
)

// Kind is the wire-stable constructor tag of an entry variant.
type Kind uint8

const (
	KindCreate Kind = iota + 1
	KindImportedFunctionInvoked
	KindExportedFunctionInvoked
	KindExportedFunctionCompleted
	KindSuspend
	KindError
	KindNoOp
	KindJump
	KindInterrupted
	KindExited
	KindChangeRetryPolicy
	KindBeginAtomicRegion
	KindEndAtomicRegion
	KindBeginRemoteWrite
	KindEndRemoteWrite
	KindPendingWorkerInvocation
	KindPendingUpdate
	KindSuccessfulUpdate
	KindFailedUpdate
	KindGrowMemory
	KindCreateResource
	KindDropResource
	KindDescribeResource
	KindLog
	KindRestart
	KindActivatePlugin
	KindDeactivatePlugin
	KindRevert
	KindCancelPendingInvocation
	KindStartSpan
	KindFinishSpan
	KindSetSpanAttribute
	KindChangePersistenceLevel
	KindCreateAgentInstance
	KindDropAgentInstance

	maxKind = KindDropAgentInstance
)

var kindNames = [...]string{
	KindCreate:                    "Create",
	KindImportedFunctionInvoked:   "ImportedFunctionInvoked",
	KindExportedFunctionInvoked:   "ExportedFunctionInvoked",
	KindExportedFunctionCompleted: "ExportedFunctionCompleted",
	KindSuspend:                   "Suspend",
	KindError:                     "Error",
	KindNoOp:                      "NoOp",
	KindJump:                      "Jump",
	KindInterrupted:               "Interrupted",
	KindExited:                    "Exited",
	KindChangeRetryPolicy:         "ChangeRetryPolicy",
	KindBeginAtomicRegion:         "BeginAtomicRegion",
	KindEndAtomicRegion:           "EndAtomicRegion",
	KindBeginRemoteWrite:          "BeginRemoteWrite",
	KindEndRemoteWrite:            "EndRemoteWrite",
	KindPendingWorkerInvocation:   "PendingWorkerInvocation",
	KindPendingUpdate:             "PendingUpdate",
	KindSuccessfulUpdate:          "SuccessfulUpdate",
	KindFailedUpdate:              "FailedUpdate",
	KindGrowMemory:                "GrowMemory",
	KindCreateResource:            "CreateResource",
	KindDropResource:              "DropResource",
	KindDescribeResource:          "DescribeResource",
	KindLog:                       "Log",
	KindRestart:                   "Restart",
	KindActivatePlugin:            "ActivatePlugin",
	KindDeactivatePlugin:          "DeactivatePlugin",
	KindRevert:                    "Revert",
	KindCancelPendingInvocation:   "CancelPendingInvocation",
	KindStartSpan:                 "StartSpan",
	KindFinishSpan:                "FinishSpan",
	KindSetSpanAttribute:          "SetSpanAttribute",
	KindChangePersistenceLevel:    "ChangePersistenceLevel",
	KindCreateAgentInstance:       "CreateAgentInstance",
	KindDropAgentInstance:         "DropAgentInstance",
}

func (k Kind) String() string {
	if k >= KindCreate && k <= maxKind {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Entry is one oplog record. The set of implementations is closed.
type Entry interface {
	Kind() Kind
	Timestamp() time.Time
	entry()
}

// Stamp carries the creation time shared by every entry.
type Stamp struct {
	At time.Time
}

func (s Stamp) Timestamp() time.Time { return s.At }
func (Stamp) entry()                 {}

// Now stamps the current wall clock with millisecond precision, which is
// what the codec preserves.
func Now() Stamp { return Stamp{At: time.Now().UTC().Truncate(time.Millisecond)} }

type (
	Create struct {
		Stamp
		WorkerID                     WorkerID
		ComponentVersion             uint64
		Args                         []string
		Env                          []KeyValue
		CreatedBy                    string
		Parent                       *WorkerID
		ComponentSize                uint64
		InitialTotalLinearMemorySize uint64
		InitialActivePlugins         []string
	}
	ImportedFunctionInvoked struct {
		Stamp
		FunctionName string
		Request      Payload
		Response     Payload
		FunctionType DurableFunctionType
	}
	ExportedFunctionInvoked struct {
		Stamp
		FunctionName   string
		Request        Payload
		IdempotencyKey IdempotencyKey
	}
	ExportedFunctionCompleted struct {
		Stamp
		Response     Payload
		ConsumedFuel int64
	}
	Suspend struct{ Stamp }
	// Error records a failed attempt. RetryFrom is the index the retry
	// restarts from and keys the retry counter.
	Error struct {
		Stamp
		Error     WorkerError
		RetryFrom Index
	}
	NoOp struct{ Stamp }
	// Jump marks Region as skipped; the region includes the Jump itself.
	Jump struct {
		Stamp
		Region Region
	}
	Interrupted       struct{ Stamp }
	Exited            struct{ Stamp }
	ChangeRetryPolicy struct {
		Stamp
		NewPolicy RetryConfig
	}
	BeginAtomicRegion struct{ Stamp }
	EndAtomicRegion   struct {
		Stamp
		BeginIndex Index
	}
	BeginRemoteWrite struct{ Stamp }
	EndRemoteWrite   struct {
		Stamp
		BeginIndex Index
	}
	PendingWorkerInvocation struct {
		Stamp
		Invocation WorkerInvocation
	}
	PendingUpdate struct {
		Stamp
		Description UpdateDescription
	}
	SuccessfulUpdate struct {
		Stamp
		TargetVersion    uint64
		NewComponentSize uint64
		NewActivePlugins []string
	}
	FailedUpdate struct {
		Stamp
		TargetVersion uint64
		Details       string
	}
	GrowMemory struct {
		Stamp
		Delta uint64
	}
	CreateResource struct {
		Stamp
		ID    ResourceID
		Owner string
		Name  string
	}
	DropResource struct {
		Stamp
		ID ResourceID
	}
	DescribeResource struct {
		Stamp
		ID      ResourceID
		Name    string
		Indexed []string
	}
	Log struct {
		Stamp
		Level   LogLevel
		Context string
		Message string
	}
	Restart        struct{ Stamp }
	ActivatePlugin struct {
		Stamp
		Plugin string
	}
	DeactivatePlugin struct {
		Stamp
		Plugin string
	}
	// Revert deletes DroppedRegion from history.
	Revert struct {
		Stamp
		DroppedRegion Region
	}
	CancelPendingInvocation struct {
		Stamp
		IdempotencyKey IdempotencyKey
	}
	StartSpan struct {
		Stamp
		SpanID        string
		ParentID      string
		LinkedContext string
		Attributes    []KeyValue
	}
	FinishSpan struct {
		Stamp
		SpanID string
	}
	SetSpanAttribute struct {
		Stamp
		SpanID string
		Key    string
		Value  string
	}
	ChangePersistenceLevel struct {
		Stamp
		Level PersistenceLevel
	}
	CreateAgentInstance struct {
		Stamp
		Key        string
		Parameters []byte
	}
	DropAgentInstance struct {
		Stamp
		Key string
	}
)

func (Create) Kind() Kind                    { return KindCreate }
func (ImportedFunctionInvoked) Kind() Kind   { return KindImportedFunctionInvoked }
func (ExportedFunctionInvoked) Kind() Kind   { return KindExportedFunctionInvoked }
func (ExportedFunctionCompleted) Kind() Kind { return KindExportedFunctionCompleted }
func (Suspend) Kind() Kind                   { return KindSuspend }
func (Error) Kind() Kind                     { return KindError }
func (NoOp) Kind() Kind                      { return KindNoOp }
func (Jump) Kind() Kind                      { return KindJump }
func (Interrupted) Kind() Kind               { return KindInterrupted }
func (Exited) Kind() Kind                    { return KindExited }
func (ChangeRetryPolicy) Kind() Kind         { return KindChangeRetryPolicy }
func (BeginAtomicRegion) Kind() Kind         { return KindBeginAtomicRegion }
func (EndAtomicRegion) Kind() Kind           { return KindEndAtomicRegion }
func (BeginRemoteWrite) Kind() Kind          { return KindBeginRemoteWrite }
func (EndRemoteWrite) Kind() Kind            { return KindEndRemoteWrite }
func (PendingWorkerInvocation) Kind() Kind   { return KindPendingWorkerInvocation }
func (PendingUpdate) Kind() Kind             { return KindPendingUpdate }
func (SuccessfulUpdate) Kind() Kind          { return KindSuccessfulUpdate }
func (FailedUpdate) Kind() Kind              { return KindFailedUpdate }
func (GrowMemory) Kind() Kind                { return KindGrowMemory }
func (CreateResource) Kind() Kind            { return KindCreateResource }
func (DropResource) Kind() Kind              { return KindDropResource }
func (DescribeResource) Kind() Kind          { return KindDescribeResource }
func (Log) Kind() Kind                       { return KindLog }
func (Restart) Kind() Kind                   { return KindRestart }
func (ActivatePlugin) Kind() Kind            { return KindActivatePlugin }
func (DeactivatePlugin) Kind() Kind          { return KindDeactivatePlugin }
func (Revert) Kind() Kind                    { return KindRevert }
func (CancelPendingInvocation) Kind() Kind   { return KindCancelPendingInvocation }
func (StartSpan) Kind() Kind                 { return KindStartSpan }
func (FinishSpan) Kind() Kind                { return KindFinishSpan }
func (SetSpanAttribute) Kind() Kind          { return KindSetSpanAttribute }
func (ChangePersistenceLevel) Kind() Kind    { return KindChangePersistenceLevel }
func (CreateAgentInstance) Kind() Kind       { return KindCreateAgentInstance }
func (DropAgentInstance) Kind() Kind         { return KindDropAgentInstance }

// IsHint reports whether e is informational only. Hint entries are skipped
// when replaying.
func IsHint(e Entry) bool {
	switch e.Kind() {
	case KindSuspend, KindError, KindInterrupted, KindExited,
		KindPendingWorkerInvocation, KindPendingUpdate, KindSuccessfulUpdate, KindFailedUpdate,
		KindGrowMemory, KindCreateResource, KindDropResource, KindDescribeResource,
		KindLog, KindRestart, KindActivatePlugin, KindDeactivatePlugin,
		KindCreateAgentInstance, KindDropAgentInstance:
		return true
	default:
		return false
	}
}

func NewImportedFunctionInvoked(name string, request, response Payload, ft DurableFunctionType) ImportedFunctionInvoked {
	return ImportedFunctionInvoked{Stamp: Now(), FunctionName: name, Request: request, Response: response, FunctionType: ft}
}

func NewExportedFunctionInvoked(name string, request Payload, key IdempotencyKey) ExportedFunctionInvoked {
	return ExportedFunctionInvoked{Stamp: Now(), FunctionName: name, Request: request, IdempotencyKey: key}
}

func NewExportedFunctionCompleted(response Payload, fuel int64) ExportedFunctionCompleted {
	return ExportedFunctionCompleted{Stamp: Now(), Response: response, ConsumedFuel: fuel}
}

func NewSuspend() Suspend                     { return Suspend{Now()} }
func NewNoOp() NoOp                           { return NoOp{Now()} }
func NewInterrupted() Interrupted             { return Interrupted{Now()} }
func NewExited() Exited                       { return Exited{Now()} }
func NewRestart() Restart                     { return Restart{Now()} }
func NewBeginAtomicRegion() BeginAtomicRegion { return BeginAtomicRegion{Now()} }
func NewBeginRemoteWrite() BeginRemoteWrite   { return BeginRemoteWrite{Now()} }

func NewError(err WorkerError, retryFrom Index) Error {
	return Error{Stamp: Now(), Error: err, RetryFrom: retryFrom}
}

func NewJump(r Region) Jump                 { return Jump{Stamp: Now(), Region: r} }
func NewRevert(r Region) Revert             { return Revert{Stamp: Now(), DroppedRegion: r} }
func NewGrowMemory(delta uint64) GrowMemory { return GrowMemory{Stamp: Now(), Delta: delta} }

func NewChangeRetryPolicy(p RetryConfig) ChangeRetryPolicy {
	return ChangeRetryPolicy{Stamp: Now(), NewPolicy: p}
}

func NewEndAtomicRegion(begin Index) EndAtomicRegion {
	return EndAtomicRegion{Stamp: Now(), BeginIndex: begin}
}

func NewEndRemoteWrite(begin Index) EndRemoteWrite {
	return EndRemoteWrite{Stamp: Now(), BeginIndex: begin}
}

func NewPendingWorkerInvocation(inv WorkerInvocation) PendingWorkerInvocation {
	return PendingWorkerInvocation{Stamp: Now(), Invocation: inv}
}

func NewPendingUpdate(d UpdateDescription) PendingUpdate {
	return PendingUpdate{Stamp: Now(), Description: d}
}

func NewSuccessfulUpdate(target, size uint64, plugins []string) SuccessfulUpdate {
	return SuccessfulUpdate{Stamp: Now(), TargetVersion: target, NewComponentSize: size, NewActivePlugins: plugins}
}

func NewFailedUpdate(target uint64, details string) FailedUpdate {
	return FailedUpdate{Stamp: Now(), TargetVersion: target, Details: details}
}

func NewCreateResource(id ResourceID, owner, name string) CreateResource {
	return CreateResource{Stamp: Now(), ID: id, Owner: owner, Name: name}
}

func NewDropResource(id ResourceID) DropResource { return DropResource{Stamp: Now(), ID: id} }

func NewLog(level LogLevel, context, message string) Log {
	return Log{Stamp: Now(), Level: level, Context: context, Message: message}
}

func NewCancelPendingInvocation(key IdempotencyKey) CancelPendingInvocation {
	return CancelPendingInvocation{Stamp: Now(), IdempotencyKey: key}
}

func NewChangePersistenceLevel(level PersistenceLevel) ChangePersistenceLevel {
	return ChangePersistenceLevel{Stamp: Now(), Level: level}
}
