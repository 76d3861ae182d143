package models

import (
	"strconv"
	"time"
)

// TickerRecord is one security as returned by the reference tickers endpoint.
type TickerRecord struct {
	Ticker          string `json:"ticker"`
	Name            string `json:"name"`
	Market          string `json:"market"`
	Locale          string `json:"locale"`
	PrimaryExchange string `json:"primary_exchange"`
	Type            string `json:"type"`
	Active          bool   `json:"active"`
	CurrencyName    string `json:"currency_name"`
	CIK             string `json:"cik"`
	CompositeFIGI   string `json:"composite_figi"`
	ShareClassFIGI  string `json:"share_class_figi"`
	LastUpdatedUTC  string `json:"last_updated_utc"`
}

// TickerColumns is the column order used by every tabular output.
var TickerColumns = []string{
	"ticker",
	"name",
	"market",
	"locale",
	"primary_exchange",
	"type",
	"active",
	"currency_name",
	"cik",
	"composite_figi",
	"share_class_figi",
	"last_updated_utc",
}

// Row flattens the record in TickerColumns order.
func (r TickerRecord) Row() []string {
	return []string{
		r.Ticker,
		r.Name,
		r.Market,
		r.Locale,
		r.PrimaryExchange,
		r.Type,
		strconv.FormatBool(r.Active),
		r.CurrencyName,
		r.CIK,
		r.CompositeFIGI,
		r.ShareClassFIGI,
		r.LastUpdatedUTC,
	}
}

// TickerFromRow is the inverse of Row. Missing trailing columns are left empty.
func TickerFromRow(row []string) TickerRecord {
	get := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}
	active, _ := strconv.ParseBool(get(6))
	return TickerRecord{
		Ticker:          get(0),
		Name:            get(1),
		Market:          get(2),
		Locale:          get(3),
		PrimaryExchange: get(4),
		Type:            get(5),
		Active:          active,
		CurrencyName:    get(7),
		CIK:             get(8),
		CompositeFIGI:   get(9),
		ShareClassFIGI:  get(10),
		LastUpdatedUTC:  get(11),
	}
}

// Cursor is an opaque continuation token. The zero value means there are no
// more pages.
type Cursor string

// IsEnd reports whether the cursor marks the end of pagination.
func (c Cursor) IsEnd() bool { return c == "" }

// PageResult is a single page returned by a fetcher.
type PageResult struct {
	Records    []TickerRecord
	NextCursor Cursor
}

// CheckpointState is the durable resume point of a run.
type CheckpointState struct {
	Cursor      Cursor    `json:"cursor,omitempty"`
	RecordCount int       `json:"record_count"`
	RunID       string    `json:"run_id,omitempty"`
	Pages       int       `json:"pages"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Finished reports whether the checkpoint describes a run whose fetch loop
// completed but whose dataset never reached the sink.
func (s CheckpointState) Finished() bool {
	return s.Cursor.IsEnd() && s.RecordCount > 0
}

// Resumable reports whether a run can pick up from this checkpoint.
func (s CheckpointState) Resumable() bool {
	return !s.Cursor.IsEnd() || s.RecordCount > 0
}
