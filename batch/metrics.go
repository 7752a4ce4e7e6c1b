package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "v360batch_jobs_total",
		Help: "Total number of viewpoint jobs finished, by outcome",
	}, []string{"outcome"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "v360batch_job_duration_seconds",
		Help:    "Wall-clock duration of a single viewpoint job",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "v360batch_batches_total",
		Help: "Total number of batches finished, by terminal state",
	}, []string{"result"})

	batchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "v360batch_batch_active",
		Help: "1 while a batch is being processed",
	})
)
