package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	questionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_questions_total",
			Help: "Total number of natural-language questions, by terminal outcome.",
		},
		[]string{"outcome"},
	)
	translateAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_translate_attempts_total",
			Help: "Total number of upstream model invocations, including retries.",
		},
	)
	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_validation_rejections_total",
			Help: "Total number of generated statements rejected by the validation gate.",
		},
		[]string{"reason"},
	)
	truncatedResultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_truncated_results_total",
			Help: "Total number of query results cut off by the row budget.",
		},
	)
	questionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askdb_question_duration_seconds",
			Help:    "End-to-end latency of a question, including model retries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	datasetLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_dataset_loads_total",
			Help: "Total number of dataset load calls, by result (loaded, reused, failed).",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		questionsTotal,
		translateAttemptsTotal,
		validationRejectionsTotal,
		truncatedResultsTotal,
		questionDurationSeconds,
		datasetLoadsTotal,
	)
}

func ObserveQuestion(outcome string, truncated bool, elapsed time.Duration) {
	questionsTotal.WithLabelValues(outcome).Inc()
	if truncated {
		truncatedResultsTotal.Inc()
	}
	questionDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementTranslateAttempt() {
	translateAttemptsTotal.Inc()
}

func IncrementValidationRejection(reason string) {
	validationRejectionsTotal.WithLabelValues(reason).Inc()
}

func ObserveDatasetLoad(result string) {
	datasetLoadsTotal.WithLabelValues(result).Inc()
}
