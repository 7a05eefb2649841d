package entry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound      = errors.New("config entry not found")
	ErrAlreadyExists = errors.New("config entry already exists")
)

type storeFile struct {
	Entries []ConfigEntry `yaml:"entries"`
}

// Store persists config entries to a YAML file. Every mutation is written
// through before it returns.
type Store struct {
	path    string
	logger  *zap.Logger
	entries map[string]ConfigEntry
	mu      sync.RWMutex
}

// NewStore creates a store backed by path. Call Load before use.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{
		path:    path,
		logger:  logger.Named("entries"),
		entries: make(map[string]ConfigEntry),
	}
}

// Load reads the file. A missing file yields an empty store.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("No config entries file, starting empty", zap.String("path", s.path))
		s.entries = make(map[string]ConfigEntry)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config entries: %w", err)
	}

	var file storeFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse config entries: %w", err)
	}

	entries := make(map[string]ConfigEntry, len(file.Entries))
	for _, e := range file.Entries {
		if e.EntryID == "" {
			return fmt.Errorf("config entry %q has no entry_id", e.Title)
		}
		entries[e.EntryID] = e
	}
	s.entries = entries

	s.logger.Info("Config entries loaded", zap.Int("count", len(entries)))
	return nil
}

// All returns every entry ordered by title, then id.
func (s *Store) All() []ConfigEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ConfigEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].EntryID < out[j].EntryID
	})
	return out
}

// Get returns the entry with entryID.
func (s *Store) Get(entryID string) (ConfigEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[entryID]
	if !ok {
		return ConfigEntry{}, fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	return e, nil
}

// FindByUniqueID returns the entry of domain with uniqueID, if any.
func (s *Store) FindByUniqueID(domain, uniqueID string) (ConfigEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.Domain == domain && e.UniqueID == uniqueID {
			return e, true
		}
	}
	return ConfigEntry{}, false
}

// Add stores a new entry, assigning an entry id when empty.
func (s *Store) Add(e ConfigEntry) (ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.EntryID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return ConfigEntry{}, fmt.Errorf("failed to generate entry id: %w", err)
		}
		e.EntryID = id.String()
	}
	if _, ok := s.entries[e.EntryID]; ok {
		return ConfigEntry{}, fmt.Errorf("%w: %s", ErrAlreadyExists, e.EntryID)
	}
	if e.UniqueID != "" {
		for _, existing := range s.entries {
			if existing.Domain == e.Domain && existing.UniqueID == e.UniqueID {
				return ConfigEntry{}, fmt.Errorf("%w: unique id %s", ErrAlreadyExists, e.UniqueID)
			}
		}
	}
	if e.Version == 0 {
		e.Version = Version
	}

	s.entries[e.EntryID] = e
	if err := s.saveLocked(); err != nil {
		delete(s.entries, e.EntryID)
		return ConfigEntry{}, err
	}

	s.logger.Info("Config entry added", zap.String("entry_id", e.EntryID), zap.String("title", e.Title))
	return e, nil
}

// Update replaces an existing entry.
func (s *Store) Update(e ConfigEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[e.EntryID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, e.EntryID)
	}

	s.entries[e.EntryID] = e
	if err := s.saveLocked(); err != nil {
		s.entries[e.EntryID] = prev
		return err
	}
	return nil
}

// Remove deletes an entry.
func (s *Store) Remove(entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[entryID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}

	delete(s.entries, entryID)
	if err := s.saveLocked(); err != nil {
		s.entries[entryID] = prev
		return err
	}

	s.logger.Info("Config entry removed", zap.String("entry_id", entryID))
	return nil
}

// saveLocked writes the file atomically. Entries hold API keys, so it is 0600.
func (s *Store) saveLocked() error {
	file := storeFile{Entries: make([]ConfigEntry, 0, len(s.entries))}
	for _, e := range s.entries {
		file.Entries = append(file.Entries, e)
	}
	sort.Slice(file.Entries, func(i, j int) bool {
		return file.Entries[i].EntryID < file.Entries[j].EntryID
	})

	raw, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to encode config entries: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config entries dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".entries-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config entries: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set config entries permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config entries: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace config entries: %w", err)
	}
	return nil
}
