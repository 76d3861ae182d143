package accumulator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"tickerflow/models"
)

func tickers(prefix string, n int) []models.TickerRecord {
	out := make([]models.TickerRecord, n)
	for i := range out {
		out[i] = models.TickerRecord{Ticker: fmt.Sprintf("%s%04d", prefix, i), Name: "Name, Inc.", Active: true}
	}
	return out
}

func TestAppendKeepsOrderAndSkipsDuplicates(t *testing.T) {
	acc := New(nil)
	if added := acc.Append(tickers("A", 3)); added != 3 {
		t.Fatalf("added %d, want 3", added)
	}
	if added := acc.Append(append(tickers("A", 1), tickers("B", 2)...)); added != 2 {
		t.Fatalf("added %d, want 2", added)
	}
	snap := acc.Snapshot()
	want := []string{"A0000", "A0001", "A0002", "B0000", "B0001"}
	if len(snap) != len(want) {
		t.Fatalf("size %d, want %d", len(snap), len(want))
	}
	for i, w := range want {
		if snap[i].Ticker != w {
			t.Fatalf("record %d = %s, want %s", i, snap[i].Ticker, w)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	acc := New(nil)
	acc.Append(tickers("A", 1))
	snap := acc.Snapshot()
	snap[0].Ticker = "changed"
	if acc.Snapshot()[0].Ticker != "A0000" {
		t.Fatalf("snapshot aliases accumulator storage")
	}
}

func TestSeedAndTruncate(t *testing.T) {
	acc := New(nil)
	acc.Append(tickers("X", 2))
	acc.Seed(tickers("A", 5))
	if acc.Size() != 5 {
		t.Fatalf("size after seed %d", acc.Size())
	}
	if err := acc.Truncate(3); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if acc.Size() != 3 {
		t.Fatalf("size after truncate %d", acc.Size())
	}
	// a truncated symbol can be appended again
	if added := acc.Append(tickers("A", 5)); added != 2 {
		t.Fatalf("added %d after truncate, want 2", added)
	}
	if err := acc.Truncate(10); err == nil {
		t.Fatalf("expected out of range error")
	}
}

func TestFlushPartialRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickers_partial.csv")
	partial := NewPartialFile(path)

	if _, found, err := partial.Load(); err != nil || found {
		t.Fatalf("missing partial: found=%v err=%v", found, err)
	}

	acc := New(partial)
	acc.Append(tickers("A", 500))
	if err := acc.FlushPartial(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	records, found, err := partial.Load()
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if len(records) != 500 || records[499].Ticker != "A0499" || records[0].Name != "Name, Inc." {
		t.Fatalf("unexpected partial contents: %d records", len(records))
	}

	if err := partial.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("partial still present: %v", err)
	}
	if err := partial.Remove(); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

type failingPartial struct{}

func (failingPartial) Write([]models.TickerRecord) error            { return errors.New("disk full") }
func (failingPartial) Load() ([]models.TickerRecord, bool, error) { return nil, false, nil }
func (failingPartial) Remove() error                                { return nil }
func (failingPartial) Describe() string                             { return "failing" }

func TestFlushPartialFailureKeepsRecords(t *testing.T) {
	acc := New(failingPartial{})
	acc.Append(tickers("A", 2))
	if err := acc.FlushPartial(); err == nil {
		t.Fatalf("expected flush error")
	}
	if acc.Size() != 2 {
		t.Fatalf("records lost after failed flush")
	}
}
