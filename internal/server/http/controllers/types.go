package controllers

import (
	"github.com/rzbill/golem-oplog/internal/metadata"
	"github.com/rzbill/golem-oplog/internal/oplog"
)

// workerListResp is one page of worker metadata. Cursor is 0 once the
// listing is complete.
type workerListResp struct {
	Workers []metadata.WorkerMetadata `json:"workers"`
	Cursor  uint64                    `json:"cursor"`
}

// oplogScanResp lists the workers of a component that have an oplog.
type oplogScanResp struct {
	Workers []oplog.OwnedWorkerID `json:"workers"`
}

// archiveResp reports how many tier transfers an archive request ran.
type archiveResp struct {
	Steps int `json:"steps"`
}
