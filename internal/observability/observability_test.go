package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterAttachesEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m.FlowsOpened.WithLabelValues("tcp", "svc1").Inc()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one metric family after registering")
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	m2 := NewMetrics()
	m2.FlowsOpened = m.FlowsOpened
	if err := m2.Register(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
