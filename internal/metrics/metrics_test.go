package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordResponse(t *testing.T) {
	m := New()
	m.RecordResponse("ollama", "complete", 2*time.Second)
	m.RecordResponse("ollama", "failed", time.Second)
	m.RecordResponse("ollama", "complete", time.Second)

	if got := testutil.ToFloat64(m.ResponsesTotal.WithLabelValues("ollama", "complete")); got != 2 {
		t.Errorf("complete = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ResponsesTotal.WithLabelValues("ollama", "failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
}

func TestInFlightGauge(t *testing.T) {
	m := New()
	done := m.ResponseStarted()
	if got := testutil.ToFloat64(m.ResponsesInFlight); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
	done()
	if got := testutil.ToFloat64(m.ResponsesInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordResponse("x", "complete", time.Second)
	m.RecordPromptMode("respond", "full")
	m.RecordSummary("updated")
	m.RecordToolCall("WebAnalyser", false)
	m.ResponseStarted()()
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordToolCall("WebAnalyser", true)
	m.RecordPromptMode("summary", "compact")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`nebochat_tool_calls_total{outcome="error",tool="WebAnalyser"} 1`,
		`nebochat_prompt_modes_total{mode="compact",purpose="summary"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
