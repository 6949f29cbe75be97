package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

var (
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*FileBackend)(nil)
)

// ── Memory ──────────────────────────────────────────────────────────────────

// MemoryBackend keeps records in process memory. Records are stored
// encoded, so callers never share state with the backend.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string][]byte
	saves   int
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

// Load implements [Backend].
func (m *MemoryBackend) Load(_ context.Context, playerID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[playerID]
	if !ok {
		return Record{}, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("history: decode %s: %w", playerID, err)
	}
	return rec, nil
}

// Save implements [Backend].
func (m *MemoryBackend) Save(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: encode %s: %w", rec.PlayerID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.PlayerID] = data
	m.saves++
	return nil
}

// Delete implements [Backend].
func (m *MemoryBackend) Delete(_ context.Context, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, playerID)
	return nil
}

// Close implements [Backend].
func (m *MemoryBackend) Close() error { return nil }

// Saves returns how many times Save has been called.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// ── File ────────────────────────────────────────────────────────────────────

// FileBackend stores one JSON file per player in a directory. Saves write a
// temporary file and rename it over the old one.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed and returns a FileBackend over it.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("history: file backend directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create %s: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) path(playerID string) string {
	return filepath.Join(f.dir, url.PathEscape(playerID)+".json")
}

// Load implements [Backend].
func (f *FileBackend) Load(_ context.Context, playerID string) (Record, error) {
	data, err := os.ReadFile(f.path(playerID))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("history: read %s: %w", playerID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("history: decode %s: %w", playerID, err)
	}
	return rec, nil
}

// Save implements [Backend].
func (f *FileBackend) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode %s: %w", rec.PlayerID, err)
	}

	tmp, err := os.CreateTemp(f.dir, ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("history: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("history: write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("history: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, f.path(rec.PlayerID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("history: rename record of %s: %w", rec.PlayerID, err)
	}
	return nil
}

// Delete implements [Backend].
func (f *FileBackend) Delete(_ context.Context, playerID string) error {
	err := os.Remove(f.path(playerID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("history: delete %s: %w", playerID, err)
	}
	return nil
}

// Close implements [Backend].
func (f *FileBackend) Close() error { return nil }
