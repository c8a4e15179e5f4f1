// Package storage persists the attempt journal and the pending compensation
// queue as JSON files.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"votebridge/models"
)

const journalFile = "journal.json"

type journalData struct {
	Entries []*models.JournalEntry `json:"entries"`
}

// Journal is an append-only, hash-chained record of attempt outcomes.
type Journal struct {
	basePath string
	mu       sync.RWMutex
	entries  []*models.JournalEntry
}

func NewJournal(basePath string) (*Journal, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %v", err)
	}

	j := &Journal{basePath: basePath}
	data, err := j.loadFromFile()
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %v", err)
	}
	j.entries = data.Entries
	return j, nil
}

// Append seals entry onto the end of the journal and persists it.
func (j *Journal) Append(entry *models.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var prevHash []byte
	if n := len(j.entries); n > 0 {
		prevHash = j.entries[n-1].Hash
	}
	entry.Seal(uint64(len(j.entries)), prevHash)

	j.entries = append(j.entries, entry)
	if err := j.saveToFile(); err != nil {
		j.entries = j.entries[:len(j.entries)-1]
		return err
	}
	return nil
}

func (j *Journal) Entries() []*models.JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	entries := make([]*models.JournalEntry, len(j.entries))
	copy(entries, j.entries)
	return entries
}

func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Validate checks every hash and link in the journal.
func (j *Journal) Validate() error {
	return models.ValidateJournal(j.Entries())
}

func (j *Journal) path() string {
	return filepath.Join(j.basePath, journalFile)
}

func (j *Journal) loadFromFile() (*journalData, error) {
	data, err := os.ReadFile(j.path())
	if err != nil {
		if os.IsNotExist(err) {
			return &journalData{}, nil
		}
		return nil, err
	}

	var jd journalData
	if err := json.Unmarshal(data, &jd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal journal: %v", err)
	}
	return &jd, nil
}

func (j *Journal) saveToFile() error {
	data, err := json.MarshalIndent(journalData{Entries: j.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal journal: %v", err)
	}
	return writeFileAtomic(j.path(), data)
}

// writeFileAtomic writes to a temporary file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %v", filepath.Base(path), err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save %s: %v", filepath.Base(path), err)
	}
	return nil
}
