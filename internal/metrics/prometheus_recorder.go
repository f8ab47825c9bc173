package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stepDuration    *prom.HistogramVec
	stepResults     *prom.CounterVec
	jobOutcomes     *prom.CounterVec
	jobDuration     prom.Histogram
	compileAttempts prom.Histogram
	repairs         *prom.CounterVec
	compileDuration *prom.HistogramVec
	passDuration    *prom.HistogramVec
}

// NewPrometheusRecorder constructs and registers the metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stepDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "typesetter",
			Name:      "step_duration_seconds",
			Help:      "Duration of individual pipeline steps",
			Buckets:   prom.DefBuckets,
		}, []string{"step"}),
		stepResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "typesetter",
			Name:      "step_results_total",
			Help:      "Step result counts by outcome",
		}, []string{"step", "result"}),
		jobOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "typesetter",
			Name:      "job_outcomes_total",
			Help:      "Job outcomes by final status and error kind",
		}, []string{"outcome"}),
		jobDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "typesetter",
			Name:      "job_duration_seconds",
			Help:      "End-to-end pipeline duration",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		compileAttempts: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "typesetter",
			Name:      "compile_attempts",
			Help:      "Compile attempts used per job",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		repairs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "typesetter",
			Name:      "repairs_total",
			Help:      "Repair invocations by result",
		}, []string{"result"}),
		compileDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "typesetter",
			Name:      "compile_duration_seconds",
			Help:      "Compilation service request duration",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"mode", "result"}),
		passDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "typesetter",
			Name:      "compile_pass_duration_seconds",
			Help:      "Duration of individual toolchain passes",
			Buckets:   prom.DefBuckets,
		}, []string{"pass"}),
	}
	reg.MustRegister(pr.stepDuration, pr.stepResults, pr.jobOutcomes, pr.jobDuration,
		pr.compileAttempts, pr.repairs, pr.compileDuration, pr.passDuration)
	return pr
}

// Handler exposes reg in the Prometheus text format.
func Handler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (p *PrometheusRecorder) ObserveStepDuration(step string, d time.Duration) {
	if p == nil {
		return
	}
	p.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStepResult(step string, result ResultLabel) {
	if p == nil {
		return
	}
	p.stepResults.WithLabelValues(step, string(result)).Inc()
}

func (p *PrometheusRecorder) IncJobOutcome(outcome string) {
	if p == nil {
		return
	}
	p.jobOutcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveJobDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.jobDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveCompileAttempts(n int) {
	if p == nil {
		return
	}
	p.compileAttempts.Observe(float64(n))
}

func (p *PrometheusRecorder) IncRepair(result string) {
	if p == nil {
		return
	}
	p.repairs.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) ObserveCompile(mode string, success bool, d time.Duration) {
	if p == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.compileDuration.WithLabelValues(mode, res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObservePass(pass string, d time.Duration) {
	if p == nil {
		return
	}
	p.passDuration.WithLabelValues(pass).Observe(d.Seconds())
}
