package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"tickerflow/internal/fsutil"
	"tickerflow/models"
)

// FileStore keeps the checkpoint as a small JSON document, replaced through a
// temp file and rename.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// fileRecord accepts the legacy progress.json keys next_url and ticker_count
// alongside the current ones.
type fileRecord struct {
	models.CheckpointState
	NextURL     string `json:"next_url,omitempty"`
	TickerCount *int   `json:"ticker_count,omitempty"`
}

func (s *FileStore) Load(ctx context.Context) (*models.CheckpointState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", s.path, err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", s.path, err)
	}
	state := rec.CheckpointState
	if state.Cursor.IsEnd() && rec.NextURL != "" {
		state.Cursor = models.Cursor(rec.NextURL)
	}
	if state.RecordCount == 0 && rec.TickerCount != nil {
		state.RecordCount = *rec.TickerCount
	}
	if err := validate(state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *FileStore) Save(ctx context.Context, state models.CheckpointState) error {
	if err := validate(state); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Describe() string { return "file:" + s.path }

func (s *FileStore) Close() error { return nil }
