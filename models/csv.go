package models

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// WriteTickersCSV writes a header row followed by one row per record.
func WriteTickersCSV(w io.Writer, records []TickerRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TickerColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range records {
		if err := cw.Write(rec.Row()); err != nil {
			return fmt.Errorf("write csv row %s: %w", rec.Ticker, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTickersCSV parses output of WriteTickersCSV. Columns are matched by
// header name so files with reordered or extra columns still load.
func ReadTickersCSV(r io.Reader) ([]TickerRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	positions := make([]int, len(TickerColumns))
	found := false
	for i, col := range TickerColumns {
		positions[i] = -1
		for j, h := range header {
			if h == col {
				positions[i] = j
				found = true
				break
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("csv header has no ticker columns: %v", header)
	}

	var records []TickerRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(records)+1, err)
		}
		ordered := make([]string, len(TickerColumns))
		for i, pos := range positions {
			if pos >= 0 && pos < len(row) {
				ordered[i] = row[pos]
			}
		}
		records = append(records, TickerFromRow(ordered))
	}
	return records, nil
}
