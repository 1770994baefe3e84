package controllers

import (
	"net/http"
	"time"

	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/internal/publicoplog"
	"github.com/rzbill/golem-oplog/internal/runtime"
	"github.com/rzbill/golem-oplog/pkg/log"
)

// tailPollInterval is how often a tail re-reads the oplog for new entries.
const tailPollInterval = 500 * time.Millisecond

// OplogController serves the public oplog of workers.
type OplogController struct {
	rt  *runtime.Runtime
	log log.Logger
}

func NewOplogController(rt *runtime.Runtime, logger log.Logger) *OplogController {
	return &OplogController{rt: rt, log: log.OrNop(logger).WithComponent("http.oplog")}
}

// RegisterRoutes registers the oplog browsing routes:
//   - GET  .../oplog          page through entries (from, count, cursor)
//   - GET  .../oplog/search   entries matching q (count, cursor)
//   - GET  .../oplog/tail     stream committed entries as SSE
//   - POST .../oplog/archive  move the oplog to the coldest tier
//   - GET  /v1/projects/{project}/components/{component}/oplogs  workers with an oplog
func (c *OplogController) RegisterRoutes(mux *http.ServeMux) {
	const worker = "/v1/projects/{project}/components/{component}/workers/{name}"
	mux.HandleFunc("GET "+worker+"/oplog", c.handleGet)
	mux.HandleFunc("GET "+worker+"/oplog/search", c.handleSearch)
	mux.HandleFunc("GET "+worker+"/oplog/tail", c.handleTail)
	mux.HandleFunc("POST "+worker+"/oplog/archive", c.handleArchive)
	mux.HandleFunc("GET /v1/projects/{project}/components/{component}/oplogs", c.handleScan)
}

func (c *OplogController) handleGet(w http.ResponseWriter, r *http.Request) {
	owned, err := workerFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	page, err := c.rt.Public().Get(r.Context(), owned, q.Get("cursor"), parseIndex(q.Get("from")), parseLimit(q.Get("count")))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, page)
}

func (c *OplogController) handleSearch(w http.ResponseWriter, r *http.Request) {
	owned, err := workerFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	page, err := c.rt.Public().Search(r.Context(), owned, q.Get("q"), q.Get("cursor"), parseLimit(q.Get("count")))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, page)
}

// handleTail streams entries from ?from= (default: the start) and keeps
// polling for newly committed ones until the client disconnects.
func (c *OplogController) handleTail(w http.ResponseWriter, r *http.Request) {
	owned, err := workerFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	next := parseIndex(r.URL.Query().Get("from"))
	if next == oplog.NoneIndex {
		next = oplog.InitialIndex
	}
	sink := newSSESink(w)
	sink.Flush()
	cursor := ""
	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()
	for {
		page, err := c.rt.Public().Get(ctx, owned, cursor, next, publicoplog.DefaultPageSize)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("oplog tail stopped", log.WorkerID(owned), log.Err(err))
			}
			return
		}
		for _, e := range page.Entries {
			if err := sink.Send(e); err != nil {
				return
			}
			next = e.Index.Next()
		}
		sink.Flush()
		cursor = publicoplog.Cursor{NextIndex: next, ComponentVersion: page.ComponentVersion}.String()
		if page.Next != "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *OplogController) handleArchive(w http.ResponseWriter, r *http.Request) {
	owned, err := workerFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	steps, err := c.rt.Archive(r.Context(), owned)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, archiveResp{Steps: steps})
}

func (c *OplogController) handleScan(w http.ResponseWriter, r *http.Request) {
	project, component, err := componentFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count := uint64(parseLimit(r.URL.Query().Get("count")))
	if count == 0 {
		count = publicoplog.DefaultPageSize
	}
	ids, err := c.rt.Scan(r.Context(), project, component, count)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if ids == nil {
		ids = []oplog.OwnedWorkerID{}
	}
	writeJSON(w, oplogScanResp{Workers: ids})
}
