package syncer

import (
	"errors"
	"time"

	"hunch-copytrader/models"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mtxJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copytrade_jobs_total",
			Help: "Copy jobs handled by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)
	mtxExecution = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "copytrade_execution_seconds",
			Help:    "Wall time of a copy job",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	mtxCopied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copytrade_copied_amount_total",
			Help: "Sum of successfully copied amounts in settlement currency",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxJobs, mtxExecution, mtxCopied)
}

// observeJob records the outcome of one Execute call
func observeJob(result models.CopyResult, err error, elapsed time.Duration) {
	mtxExecution.Observe(elapsed.Seconds())

	if err != nil {
		op := "unknown"
		var re *RetryableError
		if errors.As(err, &re) {
			op = re.Op
		}
		mtxJobs.WithLabelValues("error", op).Inc()
		return
	}

	mtxJobs.WithLabelValues(string(result.Status), string(result.Reason)).Inc()
	if result.Status == models.ResultSuccess && result.CopyAmount != nil {
		amount, _ := result.CopyAmount.Float64()
		mtxCopied.Add(amount)
	}
}
