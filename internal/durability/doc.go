// Package durability makes a worker's host calls replayable.
//
// A State follows one worker execution. It first replays the worker's oplog
// from the Create entry, handing recorded results back instead of running
// side effects, then switches to live mode where every durable call is run
// and recorded. Regions skipped by jumps and reverts are never replayed.
//
//	g, err := state.Begin(ctx, "http::get", oplog.DurableFunctionType{Kind: oplog.ReadRemote})
//	if g.IsLive() {
//	    resp := doGet()
//	    err = g.Persist(ctx, req, resp)
//	} else {
//	    resp, err = g.Replay(ctx)
//	}
//
// Run wraps the same sequence for JSON-encodable requests and responses.
package durability
