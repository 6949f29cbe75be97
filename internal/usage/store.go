package usage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// Store persists usage records.
type Store interface {
	// Append stores rec.
	Append(ctx context.Context, rec Record) error

	// Since returns every record with a Timestamp at or after since, oldest
	// first.
	Since(ctx context.Context, since time.Time) ([]Record, error)

	// Close releases the store's resources.
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)

// ── Memory ──────────────────────────────────────────────────────────────────

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Append implements [Store].
func (m *MemoryStore) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Since implements [Store].
func (m *MemoryStore) Since(_ context.Context, since time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	sortByTime(out)
	return out, nil
}

// Close implements [Store].
func (m *MemoryStore) Close() error { return nil }

// ── File ────────────────────────────────────────────────────────────────────

const (
	filePrefix = "usage-"
	fileSuffix = ".jsonl"
	dayLayout  = "2006-01-02"
)

// FileStore writes one JSON-lines file per UTC day into a directory, named
// usage-YYYY-MM-DD.jsonl.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed and returns a FileStore over it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("usage: file store directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("usage: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Append implements [Store].
func (f *FileStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("usage: encode record: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.dir, filePrefix+rec.Timestamp.UTC().Format(dayLayout)+fileSuffix)
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("usage: open %s: %w", path, err)
	}
	if _, err := fh.Write(line); err != nil {
		fh.Close()
		return fmt.Errorf("usage: write %s: %w", path, err)
	}
	return fh.Close()
}

// Since implements [Store]. Lines that fail to decode are skipped with a
// warning.
func (f *FileStore) Since(ctx context.Context, since time.Time) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("usage: read dir %s: %w", f.dir, err)
	}
	firstDay := since.UTC().Format(dayLayout)

	var out []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if _, err := time.Parse(dayLayout, day); err != nil || day < firstDay {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := readRecords(filepath.Join(f.dir, name))
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if !r.Timestamp.Before(since) {
				out = append(out, r)
			}
		}
	}
	sortByTime(out)
	return out, nil
}

// Close implements [Store].
func (f *FileStore) Close() error { return nil }

func readRecords(path string) ([]Record, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("usage: open %s: %w", path, err)
	}
	defer fh.Close()

	var out []Record
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			slog.Warn("usage: skipping malformed record", "file", path, "line", n, "err", err)
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("usage: scan %s: %w", path, err)
	}
	return out, nil
}

func sortByTime(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int { return a.Timestamp.Compare(b.Timestamp) })
}
