package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersOnProvidedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSave("ok", 20*time.Millisecond)
	m.ObserveSave("failed", time.Second)
	m.FeedEvent("comments")
	m.SessionOpened()

	if got := testutil.ToFloat64(m.SavesTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected one ok save, got %v", got)
	}
	if got := testutil.ToFloat64(m.EditingSessions); got != 1 {
		t.Fatalf("expected one open session, got %v", got)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}

	// a second registry accepts a fresh set without duplicate registration
	New(prometheus.NewRegistry())
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveHTTP("GET", "/healthz", "200", time.Millisecond)
	m.ObserveSave("ok", time.Millisecond)
	m.FeedEvent("comments")
	m.FeedSubscribed("comments", 1)
	m.Notification()
	m.Comment()
	m.SessionOpened()
	m.SessionClosed()
}
