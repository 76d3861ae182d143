package metrics

import (
	"time"

	"tickerflow/logger"
)

// SinkStats describes one final dataset write.
type SinkStats struct {
	Sink         string
	Destination  string
	RecordsTotal int
	BytesWritten int64
	Duration     time.Duration
	Err          error
}

// ReportSink emits sink metrics and a summary log line for a completed write.
func ReportSink(log *logger.Log, stats SinkStats) {
	if log == nil {
		log = logger.GetLogger()
	}
	component := stats.Sink + "_sink"

	ObserveSinkWrite(stats.Sink, stats.Err)

	fields := logger.Fields{"sink": stats.Sink}
	EmitMetric(log, component, "records_written", stats.RecordsTotal, "counter", fields)
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", fields)
	EmitMetric(log, component, "write_duration", stats.Duration, "duration", fields)

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"destination":   stats.Destination,
		"records_total": stats.RecordsTotal,
		"bytes_written": stats.BytesWritten,
		"duration_ms":   stats.Duration.Milliseconds(),
	})

	if stats.Err != nil {
		entry.WithError(stats.Err).Error("sink write failed")
		return
	}
	logger.IncrementSinkWrite(stats.BytesWritten)
	entry.Info("sink write completed")
}
