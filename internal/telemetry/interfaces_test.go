package telemetry

import (
	"bytes"
	"log"
	"testing"

	"simsync/server/logging"
)

func TestWrapLoggerForwardsLines(t *testing.T) {
	WrapLogger(nil).Printf("ignored %d", 42)

	var buf bytes.Buffer
	WrapLogger(log.New(&buf, "", 0)).Printf("tick %d", 7)
	if got := buf.String(); got != "tick 7\n" {
		t.Fatalf("unexpected log output: %q", got)
	}
}

func TestPrefixedTagsRole(t *testing.T) {
	var buf bytes.Buffer
	logger := Prefixed(WrapLogger(log.New(&buf, "", 0)), "host")
	logger.Printf("peer %d joined", 3)
	if got := buf.String(); got != "[host] peer 3 joined\n" {
		t.Fatalf("unexpected log output: %q", got)
	}
	Prefixed(nil, "follower").Printf("ignored")
}

func TestWrapMetricsAccumulates(t *testing.T) {
	var store logging.Metrics
	metrics := WrapMetrics(&store)
	metrics.Add("sim_ticks_total", 2)
	metrics.Store("netplay_sessions", 5)
	metrics.Add("sim_ticks_total", 3)

	snapshot := store.Snapshot()
	if snapshot["sim_ticks_total"] != 5 || snapshot["netplay_sessions"] != 5 {
		t.Fatalf("unexpected counters %v", snapshot)
	}

	nilMetrics := WrapMetrics(nil)
	nilMetrics.Add("ignored", 1)
	nilMetrics.Store("ignored", 1)
}
