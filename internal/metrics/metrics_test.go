package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitAndObserve(t *testing.T) {
	t.Cleanup(Reset)

	m := Init("", "types")
	if Get() != m {
		t.Fatal("Get() should return the instance from Init")
	}

	m.IncUnitsDispatched()
	m.ObserveUnit("", 1.5)
	m.ObserveUnit("exit", 0.2)
	m.ObserveFlush(128)
	m.IncRecordsWritten()

	if got := testutil.ToFloat64(m.UnitsSucceeded); got != 1 {
		t.Errorf("units succeeded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UnitsFailed.WithLabelValues("exit")); got != 1 {
		t.Errorf("units failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ShardFlushes); got != 1 {
		t.Errorf("flushes = %v, want 1", got)
	}

	// A second Init must not panic on duplicate registration.
	Init("", "tactics")
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Cleanup(Reset)

	m := Init("extract", "types")
	m.IncRecordsWritten()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `extract_records_written_total{extractor="types"} 1`) {
		t.Errorf("metrics output missing records counter:\n%s", body)
	}

	health, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != 200 {
		t.Errorf("health status = %d", health.StatusCode)
	}
}

func TestServeStopsWithContext(t *testing.T) {
	t.Cleanup(Reset)

	m := Init("extract", "types")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v after shutdown", err)
	}
}
