package controllers

import (
	"net/http"

	"github.com/rzbill/golem-oplog/internal/runtime"
	"github.com/rzbill/golem-oplog/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general *GeneralController
	oplog   *OplogController
	workers *WorkersController
}

// NewControllerRegistry initializes all controllers with the provided runtime.
func NewControllerRegistry(rt *runtime.Runtime, logger log.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general: NewGeneralController(rt),
		oplog:   NewOplogController(rt, logger),
		workers: NewWorkersController(rt, logger),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.oplog.RegisterRoutes(mux)
	r.workers.RegisterRoutes(mux)
}
