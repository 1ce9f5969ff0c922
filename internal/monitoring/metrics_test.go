package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDownloadMetrics(t *testing.T) {
	before := testutil.ToFloat64(DownloadsTotal.WithLabelValues("complete"))

	RecordDownloadComplete(2 * time.Second)

	after := testutil.ToFloat64(DownloadsTotal.WithLabelValues("complete"))
	if after != before+1 {
		t.Errorf("Expected complete counter to increase by 1, got %v -> %v", before, after)
	}

	RecordDownloadFailed("verification")
	RecordDownloadSkipped()
}

func TestSetActiveDownloads(t *testing.T) {
	SetActiveDownloads(3)
	if got := testutil.ToFloat64(ActiveDownloads); got != 3 {
		t.Errorf("Expected 3 active downloads, got %v", got)
	}
	SetActiveDownloads(0)
}

func TestUpdateQueueSize(t *testing.T) {
	UpdateQueueSize(42)
	if got := testutil.ToFloat64(QueueSize); got != 42 {
		t.Errorf("Expected queue size 42, got %v", got)
	}
	UpdateQueueSize(0)
}

func TestRecordMirrorFailure(t *testing.T) {
	before := testutil.ToFloat64(MirrorFailuresTotal.WithLabelValues("art"))
	RecordMirrorFailure("art")
	RecordMirrorFailure("art")
	if got := testutil.ToFloat64(MirrorFailuresTotal.WithLabelValues("art")); got != before+2 {
		t.Errorf("Expected art failures to increase by 2, got %v", got-before)
	}
}

func TestRecordBytes(t *testing.T) {
	before := testutil.ToFloat64(DownloadBytesTotal)
	RecordBytes(1024)
	RecordBytes(-5)
	if got := testutil.ToFloat64(DownloadBytesTotal); got != before+1024 {
		t.Errorf("Expected 1024 bytes recorded, got %v", got-before)
	}
}

func TestRecordSyncPassAndAPI(t *testing.T) {
	RecordSyncPass("skipped")
	RecordSyncPass("updated")
	RecordAPIRequest("playlist", "success", 100*time.Millisecond)
	RecordAPIRequest("user", "error", 100*time.Millisecond)
	RecordError("network")
}
