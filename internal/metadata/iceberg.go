// Package metadata maintains Iceberg-style table metadata for datasets
// published as parquet objects, so readers can find the latest snapshot
// without listing the bucket.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
)

const metadataFile = "metadata.json"

// DataFile describes a single parquet object written by a run.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
	Timestamp   time.Time      `json:"-"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

// Snapshot is one published dataset.
type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
	RecordCount int64  `json:"record-count"`
}

// TableMetadata is the table level document pointing at every snapshot.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Name              string     `json:"name"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// ObjectStore is the storage the metadata documents live in.
type ObjectStore interface {
	// Get returns the object at key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Generator appends snapshots to the table metadata under prefix/metadata.
type Generator struct {
	store     ObjectStore
	location  string
	prefix    string
	tableName string
	// MaxSnapshots bounds the history kept in metadata.json; zero keeps all.
	MaxSnapshots int
}

func NewGenerator(store ObjectStore, location, prefix, tableName string) *Generator {
	return &Generator{
		store:     store,
		location:  location,
		prefix:    prefix,
		tableName: tableName,
	}
}

func (g *Generator) key(name string) string {
	return path.Join(g.prefix, "metadata", name)
}

// Load returns the current table metadata, or nil when none was published.
func (g *Generator) Load(ctx context.Context) (*TableMetadata, error) {
	data, found, err := g.store.Get(ctx, g.key(metadataFile))
	if err != nil {
		return nil, fmt.Errorf("read table metadata: %w", err)
	}
	if !found {
		return nil, nil
	}
	var tm TableMetadata
	if err := json.Unmarshal(data, &tm); err != nil {
		return nil, fmt.Errorf("decode table metadata: %w", err)
	}
	return &tm, nil
}

// AddFile writes a manifest for df and makes it the current snapshot.
func (g *Generator) AddFile(ctx context.Context, df DataFile) (Snapshot, error) {
	tm, err := g.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if tm == nil {
		tm = &TableMetadata{
			FormatVersion: 2,
			TableUUID:     uuid.NewString(),
			Name:          g.tableName,
			Location:      g.location,
		}
	}

	snapID := df.Timestamp.UnixNano()
	manifestFile := fmt.Sprintf("manifest-%d.json", snapID)
	b, err := json.Marshal([]ManifestEntry{{Status: 1, DataFile: df}})
	if err != nil {
		return Snapshot{}, err
	}
	if err := g.store.Put(ctx, g.key(manifestFile), b); err != nil {
		return Snapshot{}, fmt.Errorf("write manifest: %w", err)
	}

	snapshot := Snapshot{
		SnapshotID:  snapID,
		TimestampMs: df.Timestamp.UnixMilli(),
		Manifest:    manifestFile,
		RecordCount: df.RecordCount,
	}
	tm.Snapshots = append(tm.Snapshots, snapshot)
	if g.MaxSnapshots > 0 && len(tm.Snapshots) > g.MaxSnapshots {
		tm.Snapshots = tm.Snapshots[len(tm.Snapshots)-g.MaxSnapshots:]
	}
	tm.CurrentSnapshotID = snapID

	b, err = json.MarshalIndent(tm, "", "  ")
	if err != nil {
		return Snapshot{}, err
	}
	if err := g.store.Put(ctx, g.key(metadataFile), b); err != nil {
		return Snapshot{}, fmt.Errorf("write table metadata: %w", err)
	}
	return snapshot, nil
}
