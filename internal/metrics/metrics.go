// Package metrics registers the collector's Prometheus series and serves them
// on /metrics.
//
//	tickerflow_pages_fetched_total
//	tickerflow_records_fetched_total
//	tickerflow_fetch_retries_total{error_class}
//	tickerflow_fetch_duration_seconds
//	tickerflow_rate_limit_signals_total
//	tickerflow_persistence_failures_total{artifact}
//	tickerflow_runs_total{state}
//	tickerflow_run_duration_seconds
//	tickerflow_sink_writes_total{sink,status}
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickerflow/logger"
)

var (
	pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickerflow_pages_fetched_total",
		Help: "Pages received from the tickers endpoint",
	})

	recordsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickerflow_records_fetched_total",
		Help: "Ticker records received from the tickers endpoint",
	})

	fetchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickerflow_fetch_retries_total",
		Help: "Fetch attempts repeated after a failure, by error class",
	}, []string{"error_class"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tickerflow_fetch_duration_seconds",
		Help:    "Duration of a single page request",
		Buckets: prometheus.DefBuckets,
	})

	rateLimitSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickerflow_rate_limit_signals_total",
		Help: "Rate limit responses received from the API",
	})

	persistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickerflow_persistence_failures_total",
		Help: "Failed checkpoint or partial artifact writes",
	}, []string{"artifact"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickerflow_runs_total",
		Help: "Finished runs by terminal state",
	}, []string{"state"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tickerflow_run_duration_seconds",
		Help:    "Wall time of a run including throttling",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
	})

	sinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickerflow_sink_writes_total",
		Help: "Final dataset writes by sink and outcome",
	}, []string{"sink", "status"})
)

// ObservePage records one received page.
func ObservePage(records int, took time.Duration) {
	pagesFetched.Inc()
	recordsFetched.Add(float64(records))
	fetchDuration.Observe(took.Seconds())
}

func ObserveRetry(errorClass string) {
	fetchRetries.WithLabelValues(errorClass).Inc()
}

func ObserveRateLimit() {
	rateLimitSignals.Inc()
}

// ObservePersistenceFailure counts a failed write of "checkpoint" or "partial".
func ObservePersistenceFailure(artifact string) {
	persistenceFailures.WithLabelValues(artifact).Inc()
}

func ObserveRun(state string, took time.Duration) {
	runsTotal.WithLabelValues(state).Inc()
	runDuration.Observe(took.Seconds())
}

func ObserveSinkWrite(sink string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	sinkWrites.WithLabelValues(sink, status).Inc()
}

// Serve exposes the default registry on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"addr": addr}).Info("prometheus endpoint listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	}
}
