package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryExposesOplogCounters(t *testing.T) {
	r := New()
	r.EntriesAdded(3)
	r.Transferred(0, 100)
	r.TransferFailed(1)
	r.ObserveBatchCommit(time.Millisecond, 2, 64)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"oplog_entries_added_total 3",
		`oplog_transferred_entries_total{layer="0"} 100`,
		`oplog_transfer_errors_total{layer="1"} 1`,
		"oplog_storage_batch_bytes_total 64",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in exposition", want)
		}
	}
}
