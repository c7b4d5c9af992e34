package historian

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/plantops/qhist/buffer"
)

// csvHeader is the fixed backup schema.
var csvHeader = []string{"timestamp", "plcCode", "tagAddress", "value", "quality"}

// CSVBackup lands batches that exhausted their Oracle retries in
// timestamped CSV files for manual replay.
type CSVBackup struct {
	dir string

	mu         sync.Mutex
	fileCount  int64
	totalBytes int64
}

// NewCSVBackup returns a backup writer rooted at dir.
func NewCSVBackup(dir string) *CSVBackup {
	if dir == "" {
		dir = "backup"
	}
	return &CSVBackup{dir: dir}
}

// Write lands one batch as backup_YYYYMMDD_HHMMSS_<rowCount>.csv and
// returns the file path. Timestamps are ISO-8601 UTC.
func (b *CSVBackup) Write(items []buffer.Reading) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("csv backup: %w", err)
	}

	name := fmt.Sprintf("backup_%s_%d.csv", time.Now().Format("20060102_150405"), len(items))
	path := filepath.Join(b.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("csv backup: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return "", fmt.Errorf("csv backup: %w", err)
	}
	for _, item := range items {
		row := []string{
			item.Timestamp.UTC().Format(time.RFC3339Nano),
			item.PLCCode,
			item.TagAddress,
			item.Value.String(),
			string(item.Quality),
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("csv backup: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("csv backup: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("csv backup: %w", err)
	}

	b.mu.Lock()
	b.fileCount++
	b.totalBytes += info.Size()
	b.mu.Unlock()

	return path, nil
}

// Stats returns the cumulative backup file count and byte total.
func (b *CSVBackup) Stats() (files int64, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fileCount, b.totalBytes
}
