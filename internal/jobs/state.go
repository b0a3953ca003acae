package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/voxcap/internal/resilience"
)

// ErrCorruptState is returned by [FileStore.Load] when the state file exists
// but cannot be decoded.
var ErrCorruptState = errors.New("jobs: corrupt state file")

// Counters are the aggregate job statistics carried in the state document.
type Counters struct {
	TotalJobs           int     `json:"totalJobs"`
	CompletedJobs       int     `json:"completedJobs"`
	FailedJobs          int     `json:"failedJobs"`
	RetriedJobs         int     `json:"retriedJobs"`
	TotalProcessingTime float64 `json:"totalProcessingTime"`
}

// Document is the full persisted manager state: jobs, server health and
// counters, written as one unit.
type Document struct {
	Jobs    []Job                     `json:"jobs"`
	Servers []resilience.ServerHealth `json:"servers"`
	Stats   Counters                  `json:"stats"`
	SavedAt time.Time                 `json:"savedAt"`
}

// FileStore persists a [Document] as a single JSON file. Writes go to a
// sibling temporary file which is then renamed over the target, so a reader
// always sees either the previous or the new document in full.
//
// FileStore does not lock; one process, serialised by its owner, is assumed
// to write the file.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the document. A missing file yields (nil, nil). A file that
// cannot be decoded yields an error wrapping [ErrCorruptState].
func (s *FileStore) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobs: read state %q: %w", s.path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCorruptState, s.path, err)
	}
	return &doc, nil
}

// Save atomically replaces the state file with doc.
func (s *FileStore) Save(doc *Document) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jobs: create state dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("jobs: marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("jobs: create temp state: %w", err)
	}
	tmpPath := tmp.Name()
	// Removing after a successful rename is a harmless ENOENT.
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("jobs: write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("jobs: sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jobs: close temp state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("jobs: replace state: %w", err)
	}
	return nil
}
