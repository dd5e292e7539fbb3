package metrics_test

import (
	"testing"
	"time"

	"github.com/kolosalai/kolosal-gateway/internal/metrics"
)

func TestSnapshot_DerivedFields(t *testing.T) {
	a := metrics.New()

	a.RecordStart("m1")
	a.RecordTTFT("m1", 50*time.Millisecond)
	a.RecordCompletion("m1", 10, 20, 500*time.Millisecond, 450*time.Millisecond)

	snap := a.Snapshot("m1")
	if snap.TotalRequests != 1 {
		t.Errorf("total_requests = %d, want 1", snap.TotalRequests)
	}
	if snap.CompletedRequests != 1 {
		t.Errorf("completed_requests = %d, want 1", snap.CompletedRequests)
	}
	if snap.SuccessRatePercent != 100 {
		t.Errorf("success_rate_percent = %v, want 100", snap.SuccessRatePercent)
	}
	if snap.AvgTTFTMs != 50 {
		t.Errorf("avg_ttft_ms = %v, want 50", snap.AvgTTFTMs)
	}
	if snap.TPS <= 0 {
		t.Errorf("tps = %v, want > 0", snap.TPS)
	}
	if snap.OutputTPS <= 0 {
		t.Errorf("output_tps = %v, want > 0", snap.OutputTPS)
	}
}

func TestSnapshot_ZeroDivisionGuards(t *testing.T) {
	a := metrics.New()
	snap := a.Snapshot("never-touched")
	if snap.SuccessRatePercent != 0 || snap.TPS != 0 || snap.OutputTPS != 0 || snap.RPS != 0 {
		t.Errorf("expected all derived fields to be zero for untouched engine, got %+v", snap)
	}
}

func TestSumInvariant_CompletedPlusFailedEqualsTotal(t *testing.T) {
	a := metrics.New()
	a.RecordStart("m1")
	a.RecordStart("m1")
	a.RecordStart("m1")
	a.RecordCompletion("m1", 1, 1, time.Millisecond, time.Millisecond)
	a.RecordFailure("m1")
	a.RecordFailure("m1")

	snap := a.Snapshot("m1")
	if snap.CompletedRequests+snap.FailedRequests != snap.TotalRequests {
		t.Errorf("completed(%d)+failed(%d) != total(%d)", snap.CompletedRequests, snap.FailedRequests, snap.TotalRequests)
	}
}

func TestSnapshotAll_TracksMultipleEngines(t *testing.T) {
	a := metrics.New()
	a.RecordStart("m1")
	a.RecordStart("m2")
	all := a.SnapshotAll()
	if len(all) != 2 {
		t.Errorf("expected 2 engines tracked, got %d", len(all))
	}
}

func TestSystemSnapshot(t *testing.T) {
	a := metrics.New()
	sys := a.SystemSnapshot(3)
	if sys.NumEngines != 3 {
		t.Errorf("num_engines = %d, want 3", sys.NumEngines)
	}
	if sys.NumGoroutines <= 0 {
		t.Error("expected num_goroutines > 0")
	}
}
