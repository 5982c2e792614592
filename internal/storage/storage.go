package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"apifallback/internal/models"
)

// Store persists refresh rounds.
type Store interface {
	Append(entry models.StatusEntry) error
	Latest() (models.StatusEntry, bool)
	HistoryN(limit int) []models.StatusEntry
	Close() error
}

// FileStore keeps status history in a JSON file, trimmed to maxEntries.
type FileStore struct {
	mu         sync.RWMutex
	path       string
	maxEntries int
	history    []models.StatusEntry
}

// NewFileStore creates a storage instance and loads existing history if present.
// maxEntries <= 0 keeps everything.
func NewFileStore(path string, maxEntries int) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}

	s := &FileStore{path: path, maxEntries: maxEntries}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append adds a new status entry and persists it to disk.
func (s *FileStore) Append(entry models.StatusEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, entry)
	s.trimLocked()
	return s.persist()
}

// Latest returns the latest status entry if it exists.
func (s *FileStore) Latest() (models.StatusEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.history) == 0 {
		return models.StatusEntry{}, false
	}
	return s.history[len(s.history)-1], true
}

// HistoryN returns a copy of the most recent limit entries, oldest first.
// limit <= 0 returns everything.
func (s *FileStore) HistoryN(limit int) []models.StatusEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && len(s.history) > limit {
		start = len(s.history) - limit
	}
	copied := make([]models.StatusEntry, len(s.history)-start)
	copy(copied, s.history[start:])
	return copied
}

// Close is a no-op; every Append is already on disk.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) trimLocked() {
	if s.maxEntries > 0 && len(s.history) > s.maxEntries {
		s.history = append([]models.StatusEntry(nil), s.history[len(s.history)-s.maxEntries:]...)
	}
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.history = []models.StatusEntry{}
			return nil
		}
		return fmt.Errorf("read history: %w", err)
	}

	if len(data) == 0 {
		s.history = []models.StatusEntry{}
		return nil
	}

	var entries []models.StatusEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse history: %w", err)
	}

	s.history = entries
	s.trimLocked()
	return nil
}

func (s *FileStore) persist() error {
	bytes, err := json.MarshalIndent(s.history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, bytes, 0o644); err != nil {
		return fmt.Errorf("write temp history: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace history file: %w", err)
	}
	return nil
}
