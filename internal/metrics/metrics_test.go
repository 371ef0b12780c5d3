package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncNotification("log_appended")
	IncDispatch("push", "delivered")
	ObserveDispatch("push", 0.02)
	IncWatermarkFailure()
	SetClock(12.5, 40)
	IncClockSample(true)
	IncClockSample(false)
	IncHandshake("accepted")
	SetConnections(2)
	IncWatchLogWrite("store", nil)
	IncWatchLogWrite("archive", errors.New("boom"))

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"pushrelay_pipeline_notifications_total":      false,
		"pushrelay_dispatch_attempts_total":           false,
		"pushrelay_dispatch_duration_seconds":         false,
		"pushrelay_dispatch_watermark_failures_total": false,
		"pushrelay_clock_offset_milliseconds":         false,
		"pushrelay_clock_latency_milliseconds":        false,
		"pushrelay_clock_samples_total":               false,
		"pushrelay_gate_handshakes_total":             false,
		"pushrelay_gate_connections":                  false,
		"pushrelay_watchlog_writes_total":             false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", mf.GetName())
			}
		}
	}
	for n, ok := range want {
		if !ok {
			t.Errorf("expected to find metric %s", n)
		}
	}
}

func TestRegisterToleratesAlreadyRegistered(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := reg.Register(connections); err != nil {
		t.Fatalf("pre-register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("register with existing collector: %v", err)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}
	SetConnections(1)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "pushrelay_gate_connections") {
		t.Errorf("expected gate connections gauge in output")
	}
}
