package writer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"tickerflow/internal/fsutil"
	"tickerflow/logger"
	"tickerflow/models"
)

// CSVSink writes the dataset to a local CSV file, replacing any previous one.
type CSVSink struct {
	path string
	log  *logger.Log
}

func NewCSVSink(path string) *CSVSink {
	return &CSVSink{path: path, log: logger.GetLogger()}
}

func (s *CSVSink) Name() string        { return "csv" }
func (s *CSVSink) Destination() string { return s.path }

func (s *CSVSink) Write(ctx context.Context, records []models.TickerRecord) error {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return report(s.log, s, len(records), 0, started, err)
	}

	var buf bytes.Buffer
	if err := models.WriteTickersCSV(&buf, records); err != nil {
		return report(s.log, s, len(records), 0, started, fmt.Errorf("encode csv: %w", err))
	}
	if err := fsutil.WriteFileAtomic(s.path, buf.Bytes(), 0o644); err != nil {
		return report(s.log, s, len(records), 0, started, fmt.Errorf("write %s: %w", s.path, err))
	}
	return report(s.log, s, len(records), int64(buf.Len()), started, nil)
}
