package status

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/golem-oplog/internal/oplog"
)

// WorkerStatus is the coarse execution state derived from the oplog.
type WorkerStatus int

const (
	Idle WorkerStatus = iota
	Running
	Suspended
	Interrupted
	Retrying
	Failed
	Exited
)

var statusNames = [...]string{"Idle", "Running", "Suspended", "Interrupted", "Retrying", "Failed", "Exited"}

func (s WorkerStatus) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("WorkerStatus(%d)", int(s))
}

func (s WorkerStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *WorkerStatus) UnmarshalText(b []byte) error {
	v, err := ParseWorkerStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseWorkerStatus accepts the names printed by String.
func ParseWorkerStatus(name string) (WorkerStatus, error) {
	for i, n := range statusNames {
		if n == name {
			return WorkerStatus(i), nil
		}
	}
	return Idle, errors.Newf("status: unknown worker status %q", name)
}

// PendingInvocation is an invocation queued before the worker picked it up.
type PendingInvocation struct {
	Timestamp  time.Time              `json:"timestamp"`
	Index      oplog.Index            `json:"oplog_index"`
	Invocation oplog.WorkerInvocation `json:"invocation"`
}

// PendingUpdate is a requested component update not yet applied.
type PendingUpdate struct {
	Timestamp   time.Time               `json:"timestamp"`
	Index       oplog.Index             `json:"oplog_index"`
	Description oplog.UpdateDescription `json:"description"`
}

type FailedUpdate struct {
	Timestamp     time.Time `json:"timestamp"`
	TargetVersion uint64    `json:"target_version"`
	Details       string    `json:"details,omitempty"`
}

type SuccessfulUpdate struct {
	Timestamp     time.Time `json:"timestamp"`
	TargetVersion uint64    `json:"target_version"`
}

// Resource describes a resource owned by the worker.
type Resource struct {
	CreatedAt time.Time `json:"created_at"`
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
}

// Record is the cached status of a worker, valid up to OplogIdx. It is
// only ever produced by Fold and Calculate.
type Record struct {
	OplogIdx                  oplog.Index                          `json:"oplog_idx"`
	Status                    WorkerStatus                         `json:"status"`
	OverriddenRetryConfig     *oplog.RetryConfig                   `json:"overridden_retry_config,omitempty"`
	PendingInvocations        []PendingInvocation                  `json:"pending_invocations"`
	SkippedRegions            oplog.DeletedRegions                 `json:"skipped_regions"`
	DeletedRegions            oplog.DeletedRegions                 `json:"deleted_regions"`
	PendingUpdates            []PendingUpdate                      `json:"pending_updates"`
	FailedUpdates             []FailedUpdate                       `json:"failed_updates"`
	SuccessfulUpdates         []SuccessfulUpdate                   `json:"successful_updates"`
	InvocationResults         map[oplog.IdempotencyKey]oplog.Index `json:"invocation_results"`
	CurrentIdempotencyKey     *oplog.IdempotencyKey                `json:"current_idempotency_key,omitempty"`
	ComponentVersion          uint64                               `json:"component_version"`
	ComponentVersionForReplay uint64                               `json:"component_version_for_replay"`
	ComponentSize             uint64                               `json:"component_size"`
	OwnedResources            map[oplog.ResourceID]Resource        `json:"owned_resources"`
	TotalLinearMemorySize     uint64                               `json:"total_linear_memory_size"`
	ActivePlugins             map[string]struct{}                  `json:"active_plugins"`
	CurrentRetryCount         map[oplog.Index]uint32               `json:"current_retry_count"`
}

// NewRecord is the status of a worker before its Create entry.
func NewRecord() *Record {
	return &Record{
		InvocationResults: map[oplog.IdempotencyKey]oplog.Index{},
		OwnedResources:    map[oplog.ResourceID]Resource{},
		ActivePlugins:     map[string]struct{}{},
		CurrentRetryCount: map[oplog.Index]uint32{},
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	if r.OverriddenRetryConfig != nil {
		cfg := *r.OverriddenRetryConfig
		c.OverriddenRetryConfig = &cfg
	}
	if r.CurrentIdempotencyKey != nil {
		key := *r.CurrentIdempotencyKey
		c.CurrentIdempotencyKey = &key
	}
	c.PendingInvocations = append([]PendingInvocation(nil), r.PendingInvocations...)
	c.PendingUpdates = append([]PendingUpdate(nil), r.PendingUpdates...)
	c.FailedUpdates = append([]FailedUpdate(nil), r.FailedUpdates...)
	c.SuccessfulUpdates = append([]SuccessfulUpdate(nil), r.SuccessfulUpdates...)
	c.SkippedRegions = r.SkippedRegions.Clone()
	c.DeletedRegions = r.DeletedRegions.Clone()
	c.InvocationResults = make(map[oplog.IdempotencyKey]oplog.Index, len(r.InvocationResults))
	for k, v := range r.InvocationResults {
		c.InvocationResults[k] = v
	}
	c.OwnedResources = make(map[oplog.ResourceID]Resource, len(r.OwnedResources))
	for k, v := range r.OwnedResources {
		c.OwnedResources[k] = v
	}
	c.ActivePlugins = make(map[string]struct{}, len(r.ActivePlugins))
	for k := range r.ActivePlugins {
		c.ActivePlugins[k] = struct{}{}
	}
	c.CurrentRetryCount = make(map[oplog.Index]uint32, len(r.CurrentRetryCount))
	for k, v := range r.CurrentRetryCount {
		c.CurrentRetryCount[k] = v
	}
	return &c
}

// RetryPolicy is the overridden policy if any, else def.
func (r *Record) RetryPolicy(def oplog.RetryConfig) oplog.RetryConfig {
	if r.OverriddenRetryConfig != nil {
		return *r.OverriddenRetryConfig
	}
	return def
}
