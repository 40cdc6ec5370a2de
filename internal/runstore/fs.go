package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"linkdigest/internal/model"
)

// BatchManifest is the persisted view of one scheduler batch.
type BatchManifest struct {
	BatchID   string             `json:"batch_id"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
	ItemIDs   []string           `json:"item_ids"`
	Finished  bool               `json:"finished"`
	Report    *model.BatchReport `json:"report,omitempty"`
}

func Mkdir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".linkdigest-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	return WriteBytes(path, data)
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse JSON %s: %w", path, err)
	}
	return nil
}

// IsNotExist unwraps errors returned by ReadJSON.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// SafeName turns an item or batch id into a single path element.
func SafeName(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "." || out == ".." {
		return "_"
	}
	return out
}

func BatchesDir(stateDir string) string {
	return filepath.Join(stateDir, "batches")
}

func BatchManifestPath(stateDir, batchID string) string {
	return filepath.Join(BatchesDir(stateDir), SafeName(batchID)+".json")
}

func SaveBatch(stateDir string, m BatchManifest) error {
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batch id is required")
	}
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	m.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return WriteJSON(BatchManifestPath(stateDir, m.BatchID), m)
}

func LoadBatch(stateDir, batchID string) (BatchManifest, error) {
	var m BatchManifest
	if err := ReadJSON(BatchManifestPath(stateDir, batchID), &m); err != nil {
		return BatchManifest{}, err
	}
	return m, nil
}

// ListBatches returns manifest paths ordered by file name. Batch ids start
// with a UTC timestamp, so this is also creation order.
func ListBatches(stateDir string) ([]string, error) {
	dir := BatchesDir(stateDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read batches directory %s: %w", dir, err)
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func LatestBatch(stateDir string) (BatchManifest, error) {
	paths, err := ListBatches(stateDir)
	if err != nil {
		return BatchManifest{}, err
	}
	if len(paths) == 0 {
		return BatchManifest{}, fmt.Errorf("no batches found in %s", BatchesDir(stateDir))
	}
	var m BatchManifest
	if err := ReadJSON(paths[len(paths)-1], &m); err != nil {
		return BatchManifest{}, err
	}
	return m, nil
}

// NewBatchID returns a sortable id: UTC timestamp plus a short suffix.
func NewBatchID(now time.Time, suffix string) string {
	id := now.UTC().Format("20060102T150405Z")
	if suffix = strings.TrimSpace(suffix); suffix != "" {
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		id += "-" + suffix
	}
	return id
}
