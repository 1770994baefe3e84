package durability

import (
	"context"
	"strings"

	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/pkg/log"
)

const lookupChunkSize = 1024

// ReplayState is the replay cursor of one worker execution. Replay runs
// from the Create entry up to the index the oplog had when the worker was
// opened; reaching it switches to live mode for good.
type ReplayState struct {
	oplog oplog.Oplog
	log   log.Logger

	lastReplayed oplog.Index
	replayTarget oplog.Index
	skipped      oplog.DeletedRegions
	nextSkipped  *oplog.Region
}

// NewReplayState starts replaying h, skipping the regions in skipped.
func NewReplayState(ctx context.Context, h oplog.Oplog, skipped oplog.DeletedRegions, logger log.Logger) *ReplayState {
	r := &ReplayState{
		oplog:        h,
		log:          log.OrNop(logger).WithComponent("durability.replay"),
		lastReplayed: oplog.InitialIndex,
		replayTarget: h.CurrentOplogIndex(ctx),
		skipped:      skipped.Clone(),
	}
	if r.replayTarget < r.lastReplayed {
		r.replayTarget = r.lastReplayed
	}
	r.refreshNextSkipped()
	r.leaveSkippedRegion()
	return r
}

func (r *ReplayState) IsLive() bool                         { return r.lastReplayed == r.replayTarget }
func (r *ReplayState) LastReplayedIndex() oplog.Index       { return r.lastReplayed }
func (r *ReplayState) ReplayTarget() oplog.Index            { return r.replayTarget }
func (r *ReplayState) SkippedRegions() oplog.DeletedRegions { return r.skipped.Clone() }

func (r *ReplayState) IsInSkippedRegion(idx oplog.Index) bool {
	return r.skipped.IsInDeletedRegion(idx)
}

// SwitchToLive ends the replay.
func (r *ReplayState) SwitchToLive() {
	if !r.IsLive() {
		r.log.Debug("switching to live", log.OplogIdx("last_replayed", uint64(r.lastReplayed)))
	}
	r.lastReplayed = r.replayTarget
}

// AddSkippedRegion excludes region from this and every later replay of
// the current execution.
func (r *ReplayState) AddSkippedRegion(region oplog.Region) {
	r.skipped.Add(region)
	r.refreshNextSkipped()
}

func (r *ReplayState) refreshNextSkipped() {
	r.nextSkipped = nil
	if region, ok := r.skipped.FindNextDeletedRegion(r.lastReplayed.Next()); ok {
		r.nextSkipped = &region
	}
}

// leaveSkippedRegion moves the cursor past every skipped region starting
// right after it.
func (r *ReplayState) leaveSkippedRegion() {
	for !r.IsLive() && r.nextSkipped != nil && r.nextSkipped.Start <= r.lastReplayed.Next() {
		if r.nextSkipped.End > r.lastReplayed {
			r.lastReplayed = r.nextSkipped.End
			if r.lastReplayed > r.replayTarget {
				r.lastReplayed = r.replayTarget
			}
		}
		r.refreshNextSkipped()
	}
}

// Next reads the entry after the cursor.
func (r *ReplayState) Next(ctx context.Context) (oplog.Index, oplog.Entry, error) {
	if r.IsLive() {
		return oplog.NoneIndex, nil, ErrReplayExhausted
	}
	idx := r.lastReplayed.Next()
	e, err := r.oplog.Read(ctx, idx)
	if err != nil {
		return oplog.NoneIndex, nil, err
	}
	r.lastReplayed = idx
	r.leaveSkippedRegion()

	if c, ok := e.(oplog.ChangePersistenceLevel); ok && c.Level == oplog.PersistNothing {
		// nothing was recorded until the zone closes; resume at its end
		end, found, err := r.Lookup(ctx, func(_ oplog.Index, e oplog.Entry) bool {
			c, ok := e.(oplog.ChangePersistenceLevel)
			return ok && c.Level != oplog.PersistNothing
		})
		if err != nil {
			return oplog.NoneIndex, nil, err
		}
		if found {
			r.lastReplayed = end.Previous()
			r.leaveSkippedRegion()
		} else {
			r.SwitchToLive()
		}
	}
	return idx, e, nil
}

// NextOf reads entries until one of the given kinds, skipping hints. Any
// other entry is an *oplog.UnexpectedOplogEntryError.
func (r *ReplayState) NextOf(ctx context.Context, kinds ...oplog.Kind) (oplog.Index, oplog.Entry, error) {
	for {
		idx, e, err := r.Next(ctx)
		if err != nil {
			return idx, nil, err
		}
		for _, k := range kinds {
			if e.Kind() == k {
				return idx, e, nil
			}
		}
		if oplog.IsHint(e) {
			continue
		}
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = k.String()
		}
		return idx, nil, &oplog.UnexpectedOplogEntryError{Expected: strings.Join(names, "|"), Got: e.Kind().String()}
	}
}

// Lookup searches the not yet replayed entries, outside skipped regions,
// for the first one matching.
func (r *ReplayState) Lookup(ctx context.Context, match func(oplog.Index, oplog.Entry) bool) (oplog.Index, bool, error) {
	for start := r.lastReplayed.Next(); start <= r.replayTarget; start = start.RangeEnd(lookupChunkSize).Next() {
		entries, err := r.oplog.ReadMany(ctx, start, lookupChunkSize)
		if err != nil {
			return oplog.NoneIndex, false, err
		}
		for _, e := range entries {
			if e.Index > r.replayTarget {
				return oplog.NoneIndex, false, nil
			}
			if r.skipped.IsInDeletedRegion(e.Index) {
				continue
			}
			if match(e.Index, e.Entry) {
				return e.Index, true, nil
			}
		}
	}
	return oplog.NoneIndex, false, nil
}
