package loadtest

import (
	"context"
	"testing"
	"time"
)

func TestRun_Small(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	report, err := Run(context.Background(), Config{
		Dir:               t.TempDir(),
		Terminals:         4,
		OrdersPerTerminal: 10,
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if report.Staged != 40 || report.CloudRows != 40 {
		t.Errorf("staged %d, cloud rows %d; want 40 and 40", report.Staged, report.CloudRows)
	}
	// Concurrent drainers may both see a row; the loser gets a conflict.
	if got := report.Uploaded + report.Conflicts; got < 40 {
		t.Errorf("uploaded+conflicts = %d, want >= 40", got)
	}
	if report.Stage.Count != 40 {
		t.Errorf("stage samples = %d, want 40", report.Stage.Count)
	}
	if report.Drain.Count == 0 {
		t.Error("no drain passes recorded")
	}
}

func TestRun_RejectsEmptyConfig(t *testing.T) {
	if _, err := Run(context.Background(), Config{Dir: t.TempDir()}); err == nil {
		t.Error("Run() with zero terminals succeeded")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	s := ComputeLatencyStats(ds)
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond || s.P95 != 96*time.Millisecond || s.P99 != 100*time.Millisecond {
		t.Errorf("p50/p95/p99 = %v/%v/%v", s.P50, s.P95, s.P99)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("mean = %v", s.Mean)
	}
	if ds[0] != 100*time.Millisecond {
		t.Error("input slice was reordered")
	}

	if (ComputeLatencyStats(nil) != LatencyStats{}) {
		t.Error("stats of no samples are not zero")
	}
}
