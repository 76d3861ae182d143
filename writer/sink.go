// Package writer persists the final ticker dataset of a run.
package writer

import (
	"context"
	"fmt"
	"time"

	appconfig "tickerflow/config"
	"tickerflow/internal/metrics"
	"tickerflow/logger"
	"tickerflow/models"
)

// Sink is a destination for the complete, ordered dataset of a run.
type Sink interface {
	Name() string
	// Destination describes where records go, for logs.
	Destination() string
	Write(ctx context.Context, records []models.TickerRecord) error
}

// NewSink builds the sink selected by cfg.Sink.Type.
func NewSink(ctx context.Context, cfg *appconfig.Config) (Sink, error) {
	switch cfg.Sink.Type {
	case appconfig.SinkCSV, "":
		return NewCSVSink(cfg.Sink.Path), nil
	case appconfig.SinkParquet:
		return NewParquetSink(cfg.Sink.Path, cfg.Sink.Parquet.Compression), nil
	case appconfig.SinkS3:
		return NewS3Sink(ctx, cfg.Sink.S3, cfg.Sink.Parquet.Compression, cfg.Tickerflow.Version)
	case appconfig.SinkSQLite:
		return NewSQLiteSink(cfg.Sink.SQLite.Path, cfg.Sink.SQLite.Table), nil
	default:
		return nil, fmt.Errorf("unsupported sink type %q", cfg.Sink.Type)
	}
}

// report emits the metrics of one write and returns err unchanged.
func report(log *logger.Log, s Sink, records int, size int64, started time.Time, err error) error {
	metrics.ReportSink(log, metrics.SinkStats{
		Sink:         s.Name(),
		Destination:  s.Destination(),
		RecordsTotal: records,
		BytesWritten: size,
		Duration:     time.Since(started),
		Err:          err,
	})
	return err
}
