package worker

import (
	"net/http"
	"time"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	batches        *prometheus.CounterVec
	batchSeconds   *prometheus.HistogramVec
	batchesRunning prometheus.Gauge

	assets         *prometheus.CounterVec
	assetBytes     *prometheus.CounterVec
	outputPixels   prometheus.Counter
	computeSeconds prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelstudio_worker_batches_total",
			Help: "Finished batch jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		batchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelstudio_worker_batch_duration_seconds",
			Help:    "Wall time of a batch job from dequeue to completion.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"source_type", "status"}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelstudio_worker_batches_running",
			Help: "Batch jobs currently holding a processing slot.",
		}),
		assets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelstudio_worker_assets_total",
			Help: "Batch assets by output format and error kind; error_kind is empty on success.",
		}, []string{"format", "error_kind"}),
		assetBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelstudio_worker_asset_bytes_total",
			Help: "Bytes read and written for successful batch assets.",
		}, []string{"direction"}),
		outputPixels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelstudio_worker_output_pixels_total",
			Help: "Pixels in successful batch outputs.",
		}),
		computeSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelstudio_worker_compute_seconds_total",
			Help: "Compute time billed to batch jobs.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.batches,
		m.batchSeconds,
		m.batchesRunning,
		m.assets,
		m.assetBytes,
		m.outputPixels,
		m.computeSeconds,
	)
	return m
}

// batchStarted marks a slot taken; the returned func releases it.
func (m *metrics) batchStarted() func() {
	m.batchesRunning.Inc()
	return m.batchesRunning.Dec
}

func (m *metrics) batchFinished(sourceType, status string, elapsed time.Duration) {
	m.batches.WithLabelValues(sourceType, status).Inc()
	m.batchSeconds.WithLabelValues(sourceType, status).Observe(elapsed.Seconds())
}

func (m *metrics) assetSucceeded(result domain.BatchItemResult) {
	m.assets.WithLabelValues(string(result.Format), "").Inc()
	m.assetBytes.WithLabelValues("in").Add(float64(result.SizeDelta.OriginalBytes))
	m.assetBytes.WithLabelValues("out").Add(float64(result.SizeDelta.OutputBytes))
}

func (m *metrics) assetFailed(format domain.Format, kind domain.ErrorKind) {
	m.assets.WithLabelValues(string(format), string(kind)).Inc()
}

func (m *metrics) usageRecorded(usage domain.UsageLog) {
	m.outputPixels.Add(float64(usage.PixelsProcessed))
	m.computeSeconds.Add(float64(usage.ComputeTimeMS) / 1000)
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
