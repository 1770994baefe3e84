package status

import (
	"github.com/rzbill/golem-oplog/internal/oplog"
)

// Fold applies entries, which must directly follow last.OplogIdx in
// ascending order, to a copy of last. A nil last starts from NewRecord. It
// reports false when the new skipped regions engulf last.OplogIdx in a way
// last did not already account for; the status must then be recomputed
// from the start of the oplog.
func Fold(last *Record, entries []oplog.IndexedEntry, defaultRetry oplog.RetryConfig) (*Record, bool) {
	if last == nil {
		last = NewRecord()
	}
	deleted := deletedRegions(last.DeletedRegions, entries)
	skipped := skippedRegions(last.SkippedRegions, deleted, entries)

	// a revert dropping last.OplogIdx invalidates everything folded into last
	if deleted.IsInDeletedRegion(last.OplogIdx) && !last.DeletedRegions.IsInDeletedRegion(last.OplogIdx) {
		return nil, false
	}
	if skipped.IsInDeletedRegion(last.OplogIdx) {
		before := last.SkippedRegions.Clone()
		before.MergeOverride()
		after := skipped.Clone()
		after.MergeOverride()
		// an override seen before the update finished already hid the same
		// entries
		if !before.Equal(after) {
			return nil, false
		}
	}

	r := last.Clone()
	r.DeletedRegions = deleted
	r.SkippedRegions = skipped
	applyStatus(r, defaultRetry, entries)
	applyPendingInvocations(r, entries)
	applyUpdates(r, entries)
	applyInvocationResults(r, entries)
	applyMemory(r, entries)
	applyResources(r, entries)
	applyPlugins(r, entries)
	if n := len(entries); n > 0 && entries[n-1].Index > r.OplogIdx {
		r.OplogIdx = entries[n-1].Index
	}
	return r, true
}

func deletedRegions(initial oplog.DeletedRegions, entries []oplog.IndexedEntry) oplog.DeletedRegions {
	deleted := initial.Clone()
	for _, e := range entries {
		if rev, ok := e.Entry.(oplog.Revert); ok {
			deleted.Add(rev.DroppedRegion)
		}
	}
	return deleted
}

// skippedRegions adds jumps, reverts and deleted regions to initial. A
// snapshot based update opens an override hiding everything from the first
// invocation up to the update; the override becomes permanent when the
// update succeeds and is discarded when it fails.
func skippedRegions(initial, deleted oplog.DeletedRegions, entries []oplog.IndexedEntry) oplog.DeletedRegions {
	skipped := initial.Clone()
	var override *oplog.DeletedRegions
	if o, ok := skipped.Override(); ok {
		override = &o
	}
	skipped.DropOverride()

	for _, e := range entries {
		if deleted.IsInDeletedRegion(e.Index) {
			continue
		}
		switch entry := e.Entry.(type) {
		case oplog.Jump:
			skipped.Add(entry.Region)
		case oplog.Revert:
			skipped.Add(entry.DroppedRegion)
		case oplog.PendingUpdate:
			if entry.Description.Kind == oplog.SnapshotBasedUpdate {
				o := oplog.NewDeletedRegions(oplog.Region{Start: oplog.InitialIndex.Next(), End: e.Index})
				override = &o
			}
		case oplog.SuccessfulUpdate:
			if override != nil {
				skipped.AddAll(*override)
				override = nil
			}
		case oplog.FailedUpdate:
			override = nil
		}
	}
	skipped.AddAll(deleted)
	if override != nil {
		skipped.SetOverride(*override)
	}
	return skipped
}

func applyStatus(r *Record, defaultRetry oplog.RetryConfig, entries []oplog.IndexedEntry) {
	for _, e := range entries {
		if r.SkippedRegions.IsInDeletedRegion(e.Index) {
			continue
		}
		switch entry := e.Entry.(type) {
		case oplog.Error:
			if r.DeletedRegions.IsInDeletedRegion(e.Index) {
				continue
			}
			count := r.CurrentRetryCount[entry.RetryFrom] + 1
			r.CurrentRetryCount[entry.RetryFrom] = count
			if r.RetryPolicy(defaultRetry).IsRetriable(entry.Error, count) {
				r.Status = Retrying
			} else {
				r.Status = Failed
			}
		case oplog.Create, oplog.Restart:
			r.Status = Idle
		case oplog.ExportedFunctionInvoked:
			r.Status = Running
			clear(r.CurrentRetryCount)
		case oplog.ExportedFunctionCompleted:
			r.Status = Idle
			clear(r.CurrentRetryCount)
		case oplog.Suspend:
			r.Status = Suspended
		case oplog.Interrupted:
			r.Status = Interrupted
		case oplog.Exited:
			r.Status = Exited
		case oplog.ChangeRetryPolicy:
			policy := entry.NewPolicy
			r.OverriddenRetryConfig = &policy
			r.Status = Running
		case oplog.PendingUpdate:
			if r.Status == Failed {
				r.Status = Retrying
			}
		case oplog.ImportedFunctionInvoked, oplog.NoOp, oplog.Jump,
			oplog.BeginAtomicRegion, oplog.EndAtomicRegion,
			oplog.BeginRemoteWrite, oplog.EndRemoteWrite,
			oplog.Log, oplog.StartSpan, oplog.FinishSpan, oplog.SetSpanAttribute,
			oplog.ChangePersistenceLevel:
			r.Status = Running
		}
	}
}

// applyPendingInvocations ignores regions: an invocation attempted inside
// a reverted region must not be retried by the revert.
func applyPendingInvocations(r *Record, entries []oplog.IndexedEntry) {
	for _, e := range entries {
		switch entry := e.Entry.(type) {
		case oplog.PendingWorkerInvocation:
			r.PendingInvocations = append(r.PendingInvocations, PendingInvocation{
				Timestamp:  entry.Timestamp(),
				Index:      e.Index,
				Invocation: entry.Invocation,
			})
		case oplog.ExportedFunctionInvoked:
			r.dropExported(entry.IdempotencyKey)
		case oplog.CancelPendingInvocation:
			r.dropExported(entry.IdempotencyKey)
		case oplog.PendingUpdate:
			if entry.Description.Kind == oplog.SnapshotBasedUpdate {
				r.dropManualUpdates(entry.Description.TargetVersion)
			}
		case oplog.FailedUpdate:
			r.dropManualUpdates(entry.TargetVersion)
		}
	}
}

func (r *Record) dropPending(match func(oplog.WorkerInvocation) bool) {
	kept := r.PendingInvocations[:0]
	for _, p := range r.PendingInvocations {
		if !match(p.Invocation) {
			kept = append(kept, p)
		}
	}
	r.PendingInvocations = kept
}

func (r *Record) dropExported(key oplog.IdempotencyKey) {
	r.dropPending(func(inv oplog.WorkerInvocation) bool {
		return inv.Kind == oplog.ExportedFunctionInvocation && inv.IdempotencyKey == key
	})
}

func (r *Record) dropManualUpdates(target uint64) {
	r.dropPending(func(inv oplog.WorkerInvocation) bool {
		return inv.Kind == oplog.ManualUpdateInvocation && inv.TargetVersion == target
	})
}

func applyUpdates(r *Record, entries []oplog.IndexedEntry) {
	for _, e := range entries {
		if r.DeletedRegions.IsInDeletedRegion(e.Index) {
			continue
		}
		switch entry := e.Entry.(type) {
		case oplog.Create:
			r.ComponentVersion = entry.ComponentVersion
			r.ComponentVersionForReplay = entry.ComponentVersion
			r.ComponentSize = entry.ComponentSize
		case oplog.PendingUpdate:
			r.PendingUpdates = append(r.PendingUpdates, PendingUpdate{
				Timestamp:   entry.Timestamp(),
				Index:       e.Index,
				Description: entry.Description,
			})
		case oplog.FailedUpdate:
			r.FailedUpdates = append(r.FailedUpdates, FailedUpdate{
				Timestamp:     entry.Timestamp(),
				TargetVersion: entry.TargetVersion,
				Details:       entry.Details,
			})
			r.popPendingUpdate()
		case oplog.SuccessfulUpdate:
			r.SuccessfulUpdates = append(r.SuccessfulUpdates, SuccessfulUpdate{
				Timestamp:     entry.Timestamp(),
				TargetVersion: entry.TargetVersion,
			})
			r.ComponentVersion = entry.TargetVersion
			r.ComponentSize = entry.NewComponentSize
			if applied, ok := r.popPendingUpdate(); ok && applied.Description.Kind == oplog.SnapshotBasedUpdate {
				r.ComponentVersionForReplay = entry.TargetVersion
			}
		}
	}
}

func (r *Record) popPendingUpdate() (PendingUpdate, bool) {
	if len(r.PendingUpdates) == 0 {
		return PendingUpdate{}, false
	}
	head := r.PendingUpdates[0]
	r.PendingUpdates = r.PendingUpdates[1:]
	return head, true
}

func applyInvocationResults(r *Record, entries []oplog.IndexedEntry) {
	for _, e := range entries {
		if r.DeletedRegions.IsInDeletedRegion(e.Index) {
			continue
		}
		switch entry := e.Entry.(type) {
		case oplog.ExportedFunctionInvoked:
			key := entry.IdempotencyKey
			r.CurrentIdempotencyKey = &key
		case oplog.ExportedFunctionCompleted:
			if r.CurrentIdempotencyKey != nil {
				r.InvocationResults[*r.CurrentIdempotencyKey] = e.Index
			}
			r.CurrentIdempotencyKey = nil
		case oplog.Error, oplog.Exited:
			if r.CurrentIdempotencyKey != nil {
				r.InvocationResults[*r.CurrentIdempotencyKey] = e.Index
			}
		}
	}
}

func applyMemory(r *Record, entries []oplog.IndexedEntry) {
	for _, e := range entries {
		if r.SkippedRegions.IsInDeletedRegion(e.Index) {
			continue
		}
		switch entry := e.Entry.(type) {
		case oplog.Create:
			r.TotalLinearMemorySize = entry.InitialTotalLinearMemorySize
		case oplog.GrowMemory:
			r.TotalLinearMemorySize += entry.Delta
		}
	}
}

func applyResources(r *Record, entries []oplog.IndexedEntry) {
	for _, e := range entries {
		if r.SkippedRegions.IsInDeletedRegion(e.Index) {
			continue
		}
		switch entry := e.Entry.(type) {
		case oplog.CreateResource:
			r.OwnedResources[entry.ID] = Resource{CreatedAt: entry.Timestamp(), Owner: entry.Owner, Name: entry.Name}
		case oplog.DropResource:
			delete(r.OwnedResources, entry.ID)
		}
	}
}

func applyPlugins(r *Record, entries []oplog.IndexedEntry) {
	for _, e := range entries {
		if r.DeletedRegions.IsInDeletedRegion(e.Index) {
			continue
		}
		switch entry := e.Entry.(type) {
		case oplog.ActivatePlugin:
			r.ActivePlugins[entry.Plugin] = struct{}{}
		case oplog.DeactivatePlugin:
			delete(r.ActivePlugins, entry.Plugin)
		case oplog.SuccessfulUpdate:
			r.ActivePlugins = make(map[string]struct{}, len(entry.NewActivePlugins))
			for _, p := range entry.NewActivePlugins {
				r.ActivePlugins[p] = struct{}{}
			}
		}
	}
}
