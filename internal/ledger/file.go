package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// state is the on-disk layout of the file ledger
type state struct {
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Images    map[string]ImageRecord `json:"images"`
	Runs      map[string]RunRecord   `json:"runs"`
}

// FileLedger keeps the ledger in a JSON file. An empty path keeps it in
// memory only.
type FileLedger struct {
	mu   sync.Mutex
	path string
	mem  *state
}

// NewFileLedger creates a ledger backed by path.
func NewFileLedger(path string) *FileLedger {
	return &FileLedger{path: path}
}

func newState() *state {
	return &state{
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Images:    make(map[string]ImageRecord),
		Runs:      make(map[string]RunRecord),
	}
}

// load reads the state from the file
func (l *FileLedger) load() (*state, error) {
	if l.path == "" {
		if l.mem == nil {
			l.mem = newState()
		}
		return l.mem, nil
	}

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return newState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	s := newState()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger: %w", err)
	}
	if s.Images == nil {
		s.Images = make(map[string]ImageRecord)
	}
	if s.Runs == nil {
		s.Runs = make(map[string]RunRecord)
	}
	return s, nil
}

// save writes the state to the file
func (l *FileLedger) save(s *state) error {
	s.UpdatedAt = time.Now()
	if l.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	return os.WriteFile(l.path, data, 0o644)
}

func (l *FileLedger) update(fn func(*state)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.load()
	if err != nil {
		return err
	}
	fn(s)
	return l.save(s)
}

func (l *FileLedger) read() (*state, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// RecordImage saves an image record
func (l *FileLedger) RecordImage(_ context.Context, record ImageRecord) error {
	return l.update(func(s *state) {
		s.Images[record.Identity] = record
	})
}

// Image returns a copy of the image record
func (l *FileLedger) Image(_ context.Context, identity string) (ImageRecord, bool, error) {
	s, err := l.read()
	if err != nil {
		return ImageRecord{}, false, err
	}
	record, ok := s.Images[identity]
	return record, ok, nil
}

// Images lists every image record, ordered by identity
func (l *FileLedger) Images(_ context.Context) ([]ImageRecord, error) {
	s, err := l.read()
	if err != nil {
		return nil, err
	}
	records := make([]ImageRecord, 0, len(s.Images))
	for _, record := range s.Images {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Identity < records[j].Identity
	})
	return records, nil
}

// RecordRun saves a run record
func (l *FileLedger) RecordRun(_ context.Context, record RunRecord) error {
	record.Members = append([]MemberRecord(nil), record.Members...)
	return l.update(func(s *state) {
		s.Runs[record.ID] = record
	})
}

// Runs lists every run record, oldest first
func (l *FileLedger) Runs(_ context.Context) ([]RunRecord, error) {
	s, err := l.read()
	if err != nil {
		return nil, err
	}
	records := make([]RunRecord, 0, len(s.Runs))
	for _, record := range s.Runs {
		records = append(records, record)
	}
	sortRuns(records)
	return records, nil
}

// Close is a no-op; every write is flushed immediately
func (l *FileLedger) Close() error {
	return nil
}
