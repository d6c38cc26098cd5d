package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"logferry/internal/logging"
)

const namespace = "logferry"

var (
	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Messages received per inbound queue.",
	}, []string{"queue"})

	MessagesDeduplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_deduplicated_total",
		Help:      "Deliveries dropped as duplicates within a receive batch.",
	}, []string{"queue"})

	MessagesAcked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_acked_total",
		Help:      "Deliveries acknowledged per inbound queue.",
	}, []string{"queue"})

	TaskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_outcomes_total",
		Help:      "Terminal pipeline states by task kind.",
	}, []string{"kind", "outcome"})

	RecordsShipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_shipped_total",
		Help:      "Records accepted by the sink.",
	})

	RecordsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_skipped_total",
		Help:      "Malformed records skipped in non-strict mode.",
	})

	ShipmentAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shipment_attempts_total",
		Help:      "Batch flushes by final result, and the write attempts they took.",
	}, []string{"result"})

	CheckpointOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoint_operations_total",
		Help:      "Offset tracker calls by operation and result.",
	}, []string{"op", "result"})

	BatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_shipment_seconds",
		Help:      "Time to ship one batch including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	TasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_in_flight",
		Help:      "Tasks currently running in the pipeline.",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesReceived, MessagesDeduplicated, MessagesAcked,
		TaskOutcomes, RecordsShipped, RecordsSkipped,
		ShipmentAttempts, CheckpointOps, BatchLatency, TasksInFlight,
	)
}

// CheckpointOp counts one offset tracker call.
func CheckpointOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	CheckpointOps.WithLabelValues(op, result).Inc()
}

// Expose serves /metrics on port until ctx is done. Port 0 disables it.
func Expose(ctx context.Context, port int) {
	if port == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics listener stopped", "port", port, "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
