package accumulator

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"tickerflow/internal/fsutil"
	"tickerflow/models"
)

// PartialFile is a CSV snapshot of accumulated records, rewritten in full on
// every flush.
type PartialFile struct {
	path string
}

func NewPartialFile(path string) *PartialFile {
	return &PartialFile{path: path}
}

func (p *PartialFile) Write(records []models.TickerRecord) error {
	var buf bytes.Buffer
	if err := models.WriteTickersCSV(&buf, records); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(p.path, buf.Bytes(), 0o644)
}

func (p *PartialFile) Load() ([]models.TickerRecord, bool, error) {
	f, err := os.Open(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open partial %s: %w", p.path, err)
	}
	defer f.Close()

	records, err := models.ReadTickersCSV(f)
	if err != nil {
		return nil, false, fmt.Errorf("parse partial %s: %w", p.path, err)
	}
	return records, true, nil
}

func (p *PartialFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial %s: %w", p.path, err)
	}
	return nil
}

func (p *PartialFile) Describe() string { return p.path }
