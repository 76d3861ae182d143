package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"tickerflow/logger"
	"tickerflow/models"
)

type tickerParquetRecord struct {
	Ticker          string `parquet:"name=ticker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Name            string `parquet:"name=name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Market          string `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Locale          string `parquet:"name=locale, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrimaryExchange string `parquet:"name=primary_exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type            string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Active          bool   `parquet:"name=active, type=BOOLEAN"`
	CurrencyName    string `parquet:"name=currency_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	CIK             string `parquet:"name=cik, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompositeFIGI   string `parquet:"name=composite_figi, type=BYTE_ARRAY, convertedtype=UTF8"`
	ShareClassFIGI  string `parquet:"name=share_class_figi, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastUpdatedUTC  string `parquet:"name=last_updated_utc, type=BYTE_ARRAY, convertedtype=UTF8"`
	DS              string `parquet:"name=ds, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func toParquet(rec models.TickerRecord, ds string) tickerParquetRecord {
	return tickerParquetRecord{
		Ticker:          rec.Ticker,
		Name:            rec.Name,
		Market:          rec.Market,
		Locale:          rec.Locale,
		PrimaryExchange: rec.PrimaryExchange,
		Type:            rec.Type,
		Active:          rec.Active,
		CurrencyName:    rec.CurrencyName,
		CIK:             rec.CIK,
		CompositeFIGI:   rec.CompositeFIGI,
		ShareClassFIGI:  rec.ShareClassFIGI,
		LastUpdatedUTC:  rec.LastUpdatedUTC,
		DS:              ds,
	}
}

// memFile is an in-memory source.ParquetFile for uploads.
type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// writeParquet encodes records into fw and finalizes the file footer.
func writeParquet(fw source.ParquetFile, records []models.TickerRecord, compression string, ds string) error {
	pw, err := writer.NewParquetWriter(fw, new(tickerParquetRecord), 1)
	if err != nil {
		return fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, rec := range records {
		if err := pw.Write(toParquet(rec, ds)); err != nil {
			pw.WriteStop()
			return fmt.Errorf("write ticker %s: %w", rec.Ticker, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finalize parquet: %w", err)
	}
	return nil
}

// encodeParquet returns records as an in-memory parquet file.
func encodeParquet(records []models.TickerRecord, compression string, ds string) ([]byte, error) {
	mem := newMemFile()
	if err := writeParquet(mem, records, compression, ds); err != nil {
		return nil, err
	}
	return mem.Bytes(), nil
}

// ParquetSink writes the dataset to a local parquet file.
type ParquetSink struct {
	path        string
	compression string
	log         *logger.Log
	now         func() time.Time
}

func NewParquetSink(path, compression string) *ParquetSink {
	return &ParquetSink{path: path, compression: compression, log: logger.GetLogger(), now: time.Now}
}

func (s *ParquetSink) Name() string        { return "parquet" }
func (s *ParquetSink) Destination() string { return s.path }

func (s *ParquetSink) Write(ctx context.Context, records []models.TickerRecord) error {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return report(s.log, s, len(records), 0, started, err)
	}
	size, err := s.write(records)
	return report(s.log, s, len(records), size, started, err)
}

// write goes through a temporary file so a reader never sees a file without
// its footer.
func (s *ParquetSink) write(records []models.TickerRecord) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return 0, fmt.Errorf("create output directory: %w", err)
	}
	tmp := s.path + ".tmp"

	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := writeParquet(fw, records, s.compression, s.now().UTC().Format("2006-01-02")); err != nil {
		fw.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := fw.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename %s: %w", tmp, err)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return 0, nil
	}
	return info.Size(), nil
}
