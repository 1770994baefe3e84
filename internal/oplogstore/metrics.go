package oplogstore

import "time"

// Metrics receives oplog level observations.
type Metrics interface {
	EntriesAdded(n int)
	Committed(entries int, elapsed time.Duration)
	Transferred(layer int, entries int)
	TransferFailed(layer int)
	PayloadUploaded(bytes int)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) EntriesAdded(int)             {}
func (NoopMetrics) Committed(int, time.Duration) {}
func (NoopMetrics) Transferred(int, int)         {}
func (NoopMetrics) TransferFailed(int)           {}
func (NoopMetrics) PayloadUploaded(int)          {}
