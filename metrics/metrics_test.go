package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()
	m.ObserveExtraction(OutcomeSuccess, 3*time.Second)
	m.ObserveExtraction("NO_STREAMS_FOUND", 40*time.Second)
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.ObserveRelay(OutcomeSuccess)
	m.GaugeFunc("queue_running", "Running extractions.", func() float64 { return 2 })

	out := scrape(t, m)
	for _, want := range []string{
		`streamprobe_extractions_total{outcome="success"} 1`,
		`streamprobe_extractions_total{outcome="NO_STREAMS_FOUND"} 1`,
		`streamprobe_extraction_duration_seconds_count 2`,
		`streamprobe_cache_lookups_total{result="hit"} 1`,
		`streamprobe_cache_lookups_total{result="miss"} 2`,
		`streamprobe_relay_requests_total{outcome="success"} 1`,
		`streamprobe_queue_running 2`,
		`go_goroutines`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveExtraction(OutcomeSuccess, time.Second)
	m.CacheLookup(true)
	m.ObserveRelay("RELAY_FAILED")
	m.GaugeFunc("x", "y", func() float64 { return 0 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil metrics handler status = %d, want 404", rec.Code)
	}
}
