package backup

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"transcription-worker/internal/domain"
)

// Store defines single-slot persistence for the job snapshot. There is never
// more than one backup at a time: a write overwrites any prior slot content.
type Store interface {
	Read() (domain.BackupSnapshot, bool, error)
	Write(domain.BackupSnapshot) error
	Delete() error
}

// FileStore persists the snapshot slot in a single JSON file on disk.
type FileStore struct {
	path string
}

// NewFileStore creates a JSON-backed snapshot slot store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Read returns the stored snapshot and whether the slot is occupied.
func (s *FileStore) Read() (domain.BackupSnapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.BackupSnapshot{}, false, nil
		}

		return domain.BackupSnapshot{}, false, err
	}

	var snapshot domain.BackupSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return domain.BackupSnapshot{}, false, err
	}

	return snapshot, true, nil
}

// Write replaces the slot content, creating parent directories as needed.
func (s *FileStore) Write(snapshot domain.BackupSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0o644)
}

// Delete empties the slot. Deleting an empty slot is not an error.
func (s *FileStore) Delete() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
