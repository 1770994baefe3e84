package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/rzbill/golem-oplog/internal/metadata"
	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/internal/publicoplog"
	"github.com/rzbill/golem-oplog/internal/status"
)

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeNoContent writes a 204 No Content response.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeFailure maps domain errors to HTTP status codes.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, metadata.ErrNotFound), errors.Is(err, status.ErrNoOplog):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, publicoplog.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseLimit parses a limit string and returns a valid limit value.
//
// Returns 0 for empty strings or invalid values.
func parseLimit(limitStr string) int {
	if limitStr == "" {
		return 0
	}
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		return limit
	}
	return 0
}

// parseIndex parses an oplog index, returning NoneIndex when absent or invalid.
func parseIndex(s string) oplog.Index {
	if s == "" {
		return oplog.NoneIndex
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return oplog.NoneIndex
	}
	return oplog.Index(n)
}

// componentFromPath reads the {project} and {component} path values.
func componentFromPath(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	project, err := uuid.Parse(r.PathValue("project"))
	if err != nil {
		return uuid.Nil, uuid.Nil, errors.Wrap(err, "project id")
	}
	component, err := uuid.Parse(r.PathValue("component"))
	if err != nil {
		return uuid.Nil, uuid.Nil, errors.Wrap(err, "component id")
	}
	return project, component, nil
}

// workerFromPath reads a worker addressed by project, component and name.
func workerFromPath(r *http.Request) (oplog.OwnedWorkerID, error) {
	project, component, err := componentFromPath(r)
	if err != nil {
		return oplog.OwnedWorkerID{}, err
	}
	name := r.PathValue("name")
	if name == "" {
		return oplog.OwnedWorkerID{}, errors.New("worker name is required")
	}
	return oplog.OwnedWorkerID{
		ProjectID: project,
		WorkerID:  oplog.WorkerID{ComponentID: component, Name: name},
	}, nil
}
