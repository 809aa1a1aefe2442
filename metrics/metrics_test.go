package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	// None of these may panic
	m.FrameDecoded("data")
	m.FrameRejected()
	m.Poll()
	m.SessionFinished("complete")
	m.Upload(true)
	m.Resynced()
	m.SetPending(3)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.FrameDecoded("metadata")
	m.FrameDecoded("data")
	m.FrameDecoded("data")
	m.Upload(false)
	m.SetPending(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, expected := range []string{
		`emihub_frames_decoded_total{kind="data"} 2`,
		`emihub_frames_decoded_total{kind="metadata"} 1`,
		`emihub_uploads_total{result="failure"} 1`,
		`emihub_pending_batches 2`,
	} {
		if !strings.Contains(string(body), expected) {
			t.Errorf("metrics output is missing %q", expected)
		}
	}
}
