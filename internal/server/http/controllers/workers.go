package controllers

import (
	"net/http"
	"strconv"

	"github.com/rzbill/golem-oplog/internal/metadata"
	"github.com/rzbill/golem-oplog/internal/runtime"
	"github.com/rzbill/golem-oplog/pkg/log"
)

// defaultListCount is the page size of worker listings.
const defaultListCount = 50

// WorkersController serves worker metadata and status.
type WorkersController struct {
	rt  *runtime.Runtime
	log log.Logger
}

func NewWorkersController(rt *runtime.Runtime, logger log.Logger) *WorkersController {
	return &WorkersController{rt: rt, log: log.OrNop(logger).WithComponent("http.workers")}
}

func (c *WorkersController) RegisterRoutes(mux *http.ServeMux) {
	const component = "/v1/projects/{project}/components/{component}"
	mux.HandleFunc("GET "+component+"/workers", c.handleList)
	mux.HandleFunc("GET "+component+"/workers/{name}", c.handleGet)
	mux.HandleFunc("GET "+component+"/workers/{name}/status", c.handleStatus)
	mux.HandleFunc("DELETE "+component+"/workers/{name}", c.handleDelete)
}

// handleList lists workers of a component, filtered by ?filter= (see
// metadata.ParseFilter) and paged by ?cursor= and ?count=.
func (c *WorkersController) handleList(w http.ResponseWriter, r *http.Request) {
	project, component, err := componentFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter, err := metadata.ParseFilter(q.Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var cursor uint64
	if s := q.Get("cursor"); s != "" {
		cursor, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
	}
	count := parseLimit(q.Get("count"))
	if count == 0 {
		count = defaultListCount
	}
	workers, next, err := c.rt.Metadata().List(r.Context(), project, component, filter, cursor, count)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if workers == nil {
		workers = []metadata.WorkerMetadata{}
	}
	writeJSON(w, workerListResp{Workers: workers, Cursor: next})
}

func (c *WorkersController) handleGet(w http.ResponseWriter, r *http.Request) {
	owned, err := workerFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := c.rt.Metadata().Get(r.Context(), owned)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, m)
}

// handleStatus folds any oplog entries newer than the cached status and
// returns the result.
func (c *WorkersController) handleStatus(w http.ResponseWriter, r *http.Request) {
	owned, err := workerFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := c.rt.Status(r.Context(), owned)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, rec)
}

// handleDelete removes the oplog of a worker from every tier together with
// its metadata.
func (c *WorkersController) handleDelete(w http.ResponseWriter, r *http.Request) {
	owned, err := workerFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := c.rt.Oplogs().Delete(r.Context(), owned); err != nil {
		writeFailure(w, err)
		return
	}
	if err := c.rt.Metadata().Delete(r.Context(), owned); err != nil {
		writeFailure(w, err)
		return
	}
	c.log.Info("worker deleted", log.WorkerID(owned))
	writeNoContent(w)
}
