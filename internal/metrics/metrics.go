// Package metrics exposes Prometheus collectors for the listener container.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/baldanca/batch-listener/batcher"
	"github.com/baldanca/batch-listener/container"
	"github.com/baldanca/batch-listener/source"
)

// Recorder implements container.Observer on top of Prometheus collectors.
type Recorder struct {
	batches        *prometheus.CounterVec
	batchSize      prometheus.Histogram
	batchDuration  *prometheus.HistogramVec
	committed      *prometheus.CounterVec
	cycleFailures  *prometheus.CounterVec
	workerExits    *prometheus.CounterVec
	lastCommitTime prometheus.Gauge
	now            func() time.Time
}

var _ container.Observer = (*Recorder)(nil)

// NewRecorder registers the collectors on reg. Registering twice on the same
// registerer fails.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchlistener_batches_total",
				Help: "Total number of completed batches, labeled by completion reason.",
			},
			[]string{"reason"},
		),
		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "batchlistener_batch_size",
				Help:    "Histogram of messages per completed batch.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batchlistener_batch_accumulation_seconds",
				Help:    "Histogram of time spent accumulating a batch, labeled by completion reason.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"reason"},
		),
		committed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchlistener_messages_committed_total",
				Help: "Total number of messages settled with the broker, labeled by ack mode.",
			},
			[]string{"ack_mode"},
		),
		cycleFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchlistener_cycle_failures_total",
				Help: "Total number of failed receive cycles, labeled by error kind.",
			},
			[]string{"kind"},
		),
		workerExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchlistener_worker_exits_total",
				Help: "Total number of worker exits, labeled by error kind or \"clean\".",
			},
			[]string{"kind"},
		),
		lastCommitTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "batchlistener_last_commit_timestamp_seconds",
				Help: "Unix time of the last committed batch.",
			},
		),
		now: time.Now,
	}

	for _, c := range []prometheus.Collector{
		r.batches, r.batchSize, r.batchDuration, r.committed,
		r.cycleFailures, r.workerExits, r.lastCommitTime,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

func (r *Recorder) BatchCompleted(reason batcher.Reason, size int, elapsed time.Duration) {
	r.batches.WithLabelValues(reason.String()).Inc()
	r.batchSize.Observe(float64(size))
	r.batchDuration.WithLabelValues(reason.String()).Observe(elapsed.Seconds())
}

func (r *Recorder) BatchCommitted(mode source.AckMode, size int) {
	r.committed.WithLabelValues(mode.String()).Add(float64(size))
	r.lastCommitTime.Set(float64(r.now().Unix()))
}

func (r *Recorder) CycleFailed(kind container.ErrorKind, _ error) {
	r.cycleFailures.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) WorkerExited(err error) {
	kind := "clean"
	if err != nil {
		kind = string(container.Classify(err))
	}
	r.workerExits.WithLabelValues(kind).Inc()
}
