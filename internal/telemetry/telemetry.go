package telemetry

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamsink_records_processed_total",
			Help: "The total number of records processed",
		},
		[]string{"status", "stream"},
	)
	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamsink_batch_size",
			Help:    "Distribution of flushed batch sizes",
			Buckets: []float64{10, 100, 500, 1000, 5000, 10000},
		},
		[]string{"stream"},
	)
	FlushLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "streamsink_flush_latency_seconds",
			Help: "Latency of flush transactions",
		},
		[]string{"stream"},
	)
	BufferedRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamsink_buffered_rows",
			Help: "Rows currently buffered per stream",
		},
		[]string{"stream"},
	)
	CheckpointsEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamsink_checkpoints_emitted_total",
			Help: "Safe STATE checkpoints emitted",
		},
	)
)

func Init(addr string) {
	// Metrics
	prometheus.MustRegister(RecordsProcessed)
	prometheus.MustRegister(BatchSize)
	prometheus.MustRegister(FlushLatency)
	prometheus.MustRegister(BufferedRows)
	prometheus.MustRegister(CheckpointsEmitted)

	// Logger. stdout carries STATE lines only, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// Server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("Starting telemetry server", "address", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("Telemetry server failed", "error", err)
		}
	}()
}
