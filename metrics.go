package parhash

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	opInsert = "insert"
	opSearch = "search"
	opRemove = "remove"

	resultOK        = "ok"
	resultDuplicate = "duplicate"
	resultExhausted = "exhausted"
	resultNotFound  = "not_found"
)

var (
	batchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parhash",
			Subsystem: "store",
			Name:      "batches_total",
			Help:      "batched operations executed",
		}, []string{"op"})

	keyCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parhash",
			Subsystem: "store",
			Name:      "keys_total",
			Help:      "per-key outcomes of batched operations",
		}, []string{"op", "result"})

	batchDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parhash",
			Subsystem: "store",
			Name:      "batch_duration_seconds",
			Help:      "batched operation durations",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2.0, 20),
		}, []string{"op"})

	loadFactorGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "parhash",
			Subsystem: "store",
			Name:      "load_factor",
			Help:      "occupied slots divided by slot capacity",
		}, []string{"store"})
)

// RegisterMetrics registers the store collectors with reg. Registering the
// same collectors twice with one registry is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		batchCounter,
		keyCounter,
		batchDurationHistogram,
		loadFactorGauge,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
