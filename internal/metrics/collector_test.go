package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	m.RecordRequest(200, 1)
	m.RecordOversized()
	m.RecordGuestError("io")
	m.SessionOpened()
	m.SessionClosed()
	m.RecordLogForwarded()
	m.RecordLogDropped("detached")
	m.SetLogQueueDepth(3)
	m.RecordLifecycle("load", nil)
	m.UpdateSchedulerStats(1, 2)
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("nimbus_runtime", reg)

	m.RecordRequest(200, 12)
	m.RecordRequest(200, 3)
	m.RecordRequest(413, 1)
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("200")); got != 2 {
		t.Fatalf("requests{200}=%v, want 2", got)
	}

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("active_sessions=%v, want 1", got)
	}

	m.RecordLifecycle("stop", errors.New("boom"))
	if got := testutil.ToFloat64(m.LifecycleTransitions.WithLabelValues("stop", "error")); got != 1 {
		t.Fatalf("lifecycle{stop,error}=%v, want 1", got)
	}

	// 独立注册表可以重复创建
	_ = NewMetrics("nimbus_runtime", prometheus.NewRegistry())
}
