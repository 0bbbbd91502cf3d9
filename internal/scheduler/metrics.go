package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts scheduler run outcomes. One instance is shared by every
// scheduler in the process.
type Metrics struct {
	runsStarted   prometheus.Counter
	runsApplied   prometheus.Counter
	runsDiscarded prometheus.Counter
	runsFailed    prometheus.Counter
	coalesced     prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelstudio_preview_runs_started_total",
			Help: "Total preview runs issued by interactive schedulers.",
		}),
		runsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelstudio_preview_runs_applied_total",
			Help: "Total preview runs whose result became visible.",
		}),
		runsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelstudio_preview_runs_discarded_total",
			Help: "Total preview runs superseded before completion.",
		}),
		runsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelstudio_preview_runs_failed_total",
			Help: "Total current preview runs that failed.",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelstudio_preview_submissions_coalesced_total",
			Help: "Total settings submissions folded into a pending run.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.runsStarted, m.runsApplied, m.runsDiscarded, m.runsFailed, m.coalesced)
	}
	return m
}

func (m *Metrics) started() {
	if m != nil {
		m.runsStarted.Inc()
	}
}

func (m *Metrics) applied() {
	if m != nil {
		m.runsApplied.Inc()
	}
}

func (m *Metrics) discarded() {
	if m != nil {
		m.runsDiscarded.Inc()
	}
}

func (m *Metrics) failed() {
	if m != nil {
		m.runsFailed.Inc()
	}
}

func (m *Metrics) coalesce() {
	if m != nil {
		m.coalesced.Inc()
	}
}
