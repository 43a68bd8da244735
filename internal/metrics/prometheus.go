package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ferry/internal/logging"
)

// Prometheus exports events as ferry_* collectors on a dedicated registry.
type Prometheus struct {
	registry *prometheus.Registry

	uploads          *prometheus.CounterVec
	uploadBytes      prometheus.Counter
	uploadAttempts   prometheus.Histogram
	uploadDuration   *prometheus.HistogramVec
	uploadFailures   *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	filesDeleted     *prometheus.CounterVec
	bytesFreed       *prometheus.CounterVec
	retentionErrors  *prometheus.CounterVec
	emergencies      *prometheus.CounterVec
	diskUsage        prometheus.Gauge
	errors           *prometheus.CounterVec
}

// NewPrometheus registers every collector on a fresh registry together with
// the Go runtime and process collectors.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_uploads_total",
			Help: "Files that left the queue successfully, by result",
		}, []string{"result", "source"}),
		uploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "ferry_upload_bytes_total",
			Help: "Bytes transferred to object storage",
		}),
		uploadAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ferry_upload_attempts",
			Help:    "Attempts needed before a file was uploaded",
			Buckets: []float64{1, 2, 3, 5, 8, 10},
		}),
		uploadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ferry_upload_duration_seconds",
			Help:    "Time spent transferring one file",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"multipart"}),
		uploadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_upload_failures_total",
			Help: "Failed upload attempts by reason and whether the file left the queue",
		}, []string{"reason", "terminal"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ferry_queue_depth",
			Help: "Files waiting for upload",
		}),
		filesDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_retention_files_deleted_total",
			Help: "Files deleted by retention, by pass",
		}, []string{"pass"}),
		bytesFreed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_retention_bytes_freed_total",
			Help: "Bytes freed by retention, by pass",
		}, []string{"pass"}),
		retentionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_retention_errors_total",
			Help: "Deletions that failed during a retention pass",
		}, []string{"pass"}),
		emergencies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_emergency_triggers_total",
			Help: "Emergency cleanup runs, by whether usage dropped below the threshold",
		}, []string{"resolved"}),
		diskUsage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ferry_disk_usage_percent",
			Help: "Highest used percentage across source filesystems at the last emergency check",
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_errors_total",
			Help: "Absorbed errors by component and kind",
		}, []string{"component", "kind"}),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) UploadSucceeded(e UploadEvent) {
	if e.Deduplicated {
		p.uploads.WithLabelValues("deduplicated", e.SourceTag).Inc()
		return
	}
	p.uploads.WithLabelValues("uploaded", e.SourceTag).Inc()
	p.uploadBytes.Add(float64(max(e.Bytes, 0)))
	p.uploadAttempts.Observe(float64(e.Attempts))
	p.uploadDuration.WithLabelValues(strconv.FormatBool(e.Multipart)).Observe(e.Duration.Seconds())
}

func (p *Prometheus) UploadFailed(e UploadEvent) {
	reason := e.Reason
	if reason == "" {
		reason = ReasonRetryable
	}
	p.uploadFailures.WithLabelValues(reason, strconv.FormatBool(e.Terminal)).Inc()
}

func (p *Prometheus) QueueDepth(n int) { p.queueDepth.Set(float64(n)) }

func (p *Prometheus) RetentionPass(s PassSummary) {
	p.filesDeleted.WithLabelValues(s.Pass).Add(float64(s.FilesDeleted))
	p.bytesFreed.WithLabelValues(s.Pass).Add(float64(max(s.BytesFreed, 0)))
	if s.Errors > 0 {
		p.retentionErrors.WithLabelValues(s.Pass).Add(float64(s.Errors))
	}
}

func (p *Prometheus) EmergencyTriggered(e EmergencyEvent) {
	p.emergencies.WithLabelValues(strconv.FormatBool(e.Resolved)).Inc()
	p.diskUsage.Set(e.UsageAfter)
}

func (p *Prometheus) Error(component, kind string) {
	p.errors.WithLabelValues(component, kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (p *Prometheus) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	logger = logging.NewComponentLogger(logger, "metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening",
		logging.String(logging.FieldEventType, "metrics_listening"),
		logging.String("listen", listener.Addr().String()),
	)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
