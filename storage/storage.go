package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"votebridge/models"
)

const (
	snapshotPattern = "pending_resets_*.json"
	snapshotLayout  = "20060102150405.000"
	keepSnapshots   = 5
)

// PendingStore keeps compensating resets that still have to be delivered. Every
// change writes a timestamped snapshot; the newest snapshot wins on load.
type PendingStore struct {
	dataDir string
	mutex   sync.RWMutex
	pending map[string]*models.PendingReset
	logger  *slog.Logger
}

type snapshotFile struct {
	path      string
	timestamp time.Time
}

type snapshotFiles []snapshotFile

func (f snapshotFiles) Len() int           { return len(f) }
func (f snapshotFiles) Less(i, j int) bool { return f[i].timestamp.Before(f[j].timestamp) }
func (f snapshotFiles) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func NewPendingStore(dataDir string, logger *slog.Logger) (*PendingStore, error) {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %v", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &PendingStore{
		dataDir: absPath,
		pending: make(map[string]*models.PendingReset),
		logger:  logger,
	}
	if err := s.loadLatest(); err != nil {
		return nil, err
	}
	return s, nil
}

// Put inserts or replaces the reset for its (voter, election) key.
func (s *PendingStore) Put(reset *models.PendingReset) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cp := *reset
	s.pending[reset.Key()] = &cp
	return s.saveSnapshot()
}

func (s *PendingStore) Delete(key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.pending[key]; !ok {
		return nil
	}
	delete(s.pending, key)
	return s.saveSnapshot()
}

// List returns the pending resets, oldest first.
func (s *PendingStore) List() []models.PendingReset {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]models.PendingReset, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

func (s *PendingStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.pending)
}

func (s *PendingStore) listSnapshots() (snapshotFiles, error) {
	files, err := filepath.Glob(filepath.Join(s.dataDir, snapshotPattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %v", err)
	}

	var snapshots snapshotFiles
	for _, file := range files {
		base := filepath.Base(file)
		stamp := strings.TrimSuffix(strings.TrimPrefix(base, "pending_resets_"), ".json")
		ts, err := time.Parse(snapshotLayout, stamp)
		if err != nil {
			s.logger.Warn("invalid timestamp in snapshot filename", "file", base, "error", err)
			continue
		}
		snapshots = append(snapshots, snapshotFile{path: file, timestamp: ts})
	}
	sort.Sort(snapshots)
	return snapshots, nil
}

func (s *PendingStore) loadLatest() error {
	snapshots, err := s.listSnapshots()
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}

	latest := snapshots[len(snapshots)-1].path
	data, err := os.ReadFile(latest)
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", latest, err)
	}

	var resets []*models.PendingReset
	if err := json.Unmarshal(data, &resets); err != nil {
		return fmt.Errorf("failed to decode %s: %v", latest, err)
	}
	for _, r := range resets {
		s.pending[r.Key()] = r
	}

	s.logger.Info("loaded pending resets", "count", len(resets), "file", filepath.Base(latest))
	return nil
}

func (s *PendingStore) saveSnapshot() error {
	resets := make([]*models.PendingReset, 0, len(s.pending))
	for _, p := range s.pending {
		resets = append(resets, p)
	}
	sort.Slice(resets, func(i, j int) bool { return resets[i].Key() < resets[j].Key() })

	data, err := json.MarshalIndent(resets, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode pending resets: %v", err)
	}

	name := fmt.Sprintf("pending_resets_%s.json", time.Now().UTC().Format(snapshotLayout))
	if err := writeFileAtomic(filepath.Join(s.dataDir, name), data); err != nil {
		return err
	}

	if err := s.cleanupOldSnapshots(keepSnapshots); err != nil {
		s.logger.Warn("failed to clean up old snapshots", "error", err)
	}
	return nil
}

func (s *PendingStore) cleanupOldSnapshots(keep int) error {
	snapshots, err := s.listSnapshots()
	if err != nil {
		return err
	}
	if len(snapshots) <= keep {
		return nil
	}

	for i := 0; i < len(snapshots)-keep; i++ {
		if err := os.Remove(snapshots[i].path); err != nil {
			s.logger.Warn("failed to remove old snapshot", "file", snapshots[i].path, "error", err)
		}
	}
	return nil
}
