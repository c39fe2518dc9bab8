package storage

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"market-pipeline/models"
	"market-pipeline/utils"
)

// FileCheckpointStore keeps crawl state under a local directory:
// one JSON file per (source, query) checkpoint, an append-only seen-id
// sidecar per source, and lock files for single-instance runs.
type FileCheckpointStore struct {
	dir string
	mu  sync.Mutex
}

var (
	_ CheckpointStore = (*FileCheckpointStore)(nil)
	_ Locker          = (*FileCheckpointStore)(nil)
)

// NewFileCheckpointStore creates dir if needed.
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &FileCheckpointStore{dir: dir}, nil
}

func (f *FileCheckpointStore) checkpointPath(source models.Source, query string) string {
	sum := sha1.Sum([]byte(query))
	return filepath.Join(f.dir, fmt.Sprintf("checkpoint_%s_%s.json", source, hex.EncodeToString(sum[:8])))
}

func (f *FileCheckpointStore) seenPath(source models.Source) string {
	return filepath.Join(f.dir, fmt.Sprintf("seen_%s.ids", source))
}

func (f *FileCheckpointStore) LoadCheckpoint(_ context.Context, source models.Source, query string) (*Checkpoint, error) {
	b, err := os.ReadFile(f.checkpointPath(source, query))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		// A torn or foreign file is treated as no checkpoint.
		return nil, nil
	}
	return &cp, nil
}

// SaveCheckpoint writes to a temp file and renames it over the old one, so
// readers never see a partial document.
func (f *FileCheckpointStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	path := f.checkpointPath(cp.Source, cp.Query)
	tmp := path + ".part"
	fh, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	if _, err := fh.Write(b); err != nil {
		_ = fh.Close()
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

func (f *FileCheckpointStore) LoadSeen(_ context.Context, source models.Source) ([]string, error) {
	fh, err := os.Open(f.seenPath(source))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open seen ids: %w", err)
	}
	defer fh.Close()

	var ids []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, sc.Err()
}

func (f *FileCheckpointStore) AddSeen(_ context.Context, source models.Source, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.seenPath(source), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("checkpoint: open seen ids: %w", err)
	}
	w := bufio.NewWriter(fh)
	for _, id := range ids {
		_, _ = w.WriteString(id + "\n")
	}
	if err := w.Flush(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("checkpoint: append seen ids: %w", err)
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("checkpoint: sync seen ids: %w", err)
	}
	return fh.Close()
}

func (f *FileCheckpointStore) TryLock(_ context.Context, name string, ttl time.Duration) (func() error, bool, error) {
	lock := utils.NewFileLock(filepath.Join(f.dir, name+".lock"), ttl)
	ok, err := lock.TryAcquire()
	if err != nil || !ok {
		return nil, false, err
	}
	return lock.Release, true, nil
}
