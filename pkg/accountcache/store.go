package accountcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SnapshotStore persists the last snapshot across process restarts.
type SnapshotStore interface {
	Load() (*Snapshot, error)
	Save(s Snapshot) error
	Clear() error
}

// FileStore keeps the snapshot as a JSON file and forgets it after TTL.
type FileStore struct {
	path string
	ttl  time.Duration
	now  func() time.Time
}

func NewFileStore(path string, ttl time.Duration) *FileStore {
	return &FileStore{path: path, ttl: ttl, now: time.Now}
}

type fileRecord struct {
	SavedAt  time.Time `json:"savedAt"`
	Snapshot Snapshot  `json:"snapshot"`
}

// Load returns nil without error when nothing usable is stored.
func (f *FileStore) Load() (*Snapshot, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A corrupt file is as good as none.
		return nil, nil
	}
	if f.ttl > 0 && f.now().Sub(rec.SavedAt) > f.ttl {
		return nil, nil
	}
	return &rec.Snapshot, nil
}

func (f *FileStore) Save(s Snapshot) error {
	raw, err := json.Marshal(fileRecord{SavedAt: f.now(), Snapshot: s})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}
