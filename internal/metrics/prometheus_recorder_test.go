package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder_Exposes(t *testing.T) {
	reg := prom.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.ObserveStepDuration("compiling", 2*time.Second)
	rec.IncStepResult("compiling", ResultFailed)
	rec.IncJobOutcome("failed_compilation")
	rec.ObserveJobDuration(time.Minute)
	rec.ObserveCompileAttempts(3)
	rec.IncRepair("empty")
	rec.ObserveCompile("compile", true, time.Second)
	rec.ObservePass("pass1", time.Second)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	body := string(raw)
	assert.Contains(t, body, `typesetter_step_results_total{result="failed",step="compiling"} 1`)
	assert.Contains(t, body, `typesetter_repairs_total{result="empty"} 1`)
	assert.Contains(t, body, "typesetter_compile_pass_duration_seconds")
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *PrometheusRecorder
	assert.NotPanics(t, func() {
		rec.IncJobOutcome("completed")
		rec.ObservePass("pass1", time.Second)
	})
	var _ Recorder = NoopRecorder{}
	var _ Recorder = rec
}
