package writer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"tickerflow/logger"
	"tickerflow/models"
)

// warehouseColumns mirrors models.TickerColumns in upper case, followed by
// the collection date.
var warehouseColumns = func() []string {
	cols := make([]string, 0, len(models.TickerColumns)+1)
	for _, c := range models.TickerColumns {
		cols = append(cols, strings.ToUpper(c))
	}
	return append(cols, "DS")
}()

// SQLiteSink writes the dataset to a warehouse table, one DS partition per
// collection date. Writing the same day again replaces that day's rows.
type SQLiteSink struct {
	path  string
	table string
	log   *logger.Log
	now   func() time.Time
}

func NewSQLiteSink(path, table string) *SQLiteSink {
	return &SQLiteSink{path: path, table: table, log: logger.GetLogger(), now: time.Now}
}

func (s *SQLiteSink) Name() string        { return "sqlite" }
func (s *SQLiteSink) Destination() string { return s.path + "#" + s.table }

func (s *SQLiteSink) Write(ctx context.Context, records []models.TickerRecord) error {
	started := time.Now()
	err := s.write(ctx, records)
	return report(s.log, s, len(records), 0, started, err)
}

func (s *SQLiteSink) write(ctx context.Context, records []models.TickerRecord) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create warehouse directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open warehouse %s: %w", s.path, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, s.createStatement()); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// a redelivered dataset replaces the day's rows instead of doubling them
	ds := s.now().UTC().Format("2006-01-02")
	replaced, err := tx.ExecContext(ctx, s.deleteStatement(), ds)
	if err != nil {
		return fmt.Errorf("clear %s rows for %s: %w", s.table, ds, err)
	}

	stmt, err := tx.PrepareContext(ctx, s.insertStatement())
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		row := rec.Row()
		args := make([]any, 0, len(row)+1)
		for _, v := range row {
			args = append(args, v)
		}
		args = append(args, ds)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert ticker %s: %w", rec.Ticker, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	fields := logger.Fields{
		"table":   s.table,
		"records": len(records),
		"ds":      ds,
	}
	if n, err := replaced.RowsAffected(); err == nil && n > 0 {
		fields["replaced"] = n
	}
	s.log.WithComponent("sqlite_sink").WithFields(fields).Info("tickers written to warehouse")
	return nil
}

func (s *SQLiteSink) createStatement() string {
	defs := make([]string, len(warehouseColumns))
	for i, c := range warehouseColumns {
		defs[i] = c + " TEXT"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", s.table, strings.Join(defs, ", "))
}

func (s *SQLiteSink) deleteStatement() string {
	return fmt.Sprintf("DELETE FROM %q WHERE DS = ?", s.table)
}

func (s *SQLiteSink) insertStatement() string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(warehouseColumns)), ", ")
	return fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)", s.table, strings.Join(warehouseColumns, ", "), marks)
}
