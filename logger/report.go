package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type componentStat struct {
	warns  int64
	errors int64
}

var (
	pagesFetched       int64
	recordsFetched     int64
	fetchRetries       int64
	rateLimited        int64
	checkpointFailures int64
	sinkWrites         int64
	sinkBytes          int64
	components         sync.Map // map[string]*componentStat
)

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

// IncrementPageFetched counts one received page of records.
func IncrementPageFetched(records int) {
	atomic.AddInt64(&pagesFetched, 1)
	atomic.AddInt64(&recordsFetched, int64(records))
}

func IncrementFetchRetry() {
	atomic.AddInt64(&fetchRetries, 1)
}

func IncrementRateLimited() {
	atomic.AddInt64(&rateLimited, 1)
}

func IncrementCheckpointFailure() {
	atomic.AddInt64(&checkpointFailures, 1)
}

// IncrementSinkWrite counts a completed sink write of size bytes.
func IncrementSinkWrite(size int64) {
	atomic.AddInt64(&sinkWrites, 1)
	atomic.AddInt64(&sinkBytes, size)
}

// ReportSnapshot returns the current counters as log fields.
func ReportSnapshot() Fields {
	perComponent := map[string]map[string]int64{}
	totalErrors := int64(0)
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		errs := atomic.LoadInt64(&cs.errors)
		perComponent[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": errs,
		}
		totalErrors += errs
		return true
	})

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Fields{
		"pages_fetched":       atomic.LoadInt64(&pagesFetched),
		"records_fetched":     atomic.LoadInt64(&recordsFetched),
		"fetch_retries":       atomic.LoadInt64(&fetchRetries),
		"rate_limited":        atomic.LoadInt64(&rateLimited),
		"checkpoint_failures": atomic.LoadInt64(&checkpointFailures),
		"sink_writes":         atomic.LoadInt64(&sinkWrites),
		"sink_bytes":          atomic.LoadInt64(&sinkBytes),
		"errors":              totalErrors,
		"components":          perComponent,
		"goroutines":          runtime.NumGoroutine(),
		"heap_mb":             int64(mem.HeapAlloc) / 1024 / 1024,
	}
}

// StartReport begins periodic logging of run statistics until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	fields := ReportSnapshot()
	log.WithComponent("report").WithFields(fields).Info("run report")

	datum := func(name string, key string) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(fields[key].(int64))),
		}
	}

	publishMetrics(ctx, []cwtypes.MetricDatum{
		datum("Tickerflow-PagesFetched", "pages_fetched"),
		datum("Tickerflow-RecordsFetched", "records_fetched"),
		datum("Tickerflow-FetchRetries", "fetch_retries"),
		datum("Tickerflow-RateLimited", "rate_limited"),
		datum("Tickerflow-CheckpointFailures", "checkpoint_failures"),
		datum("Tickerflow-SinkWrites", "sink_writes"),
		datum("Tickerflow-Errors", "errors"),
		{
			MetricName: aws.String("Tickerflow-SinkBytes"),
			Unit:       cwtypes.StandardUnitBytes,
			Value:      aws.Float64(float64(fields["sink_bytes"].(int64))),
		},
	})
}
