package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// snapshot is the on-disk form of the store contents
type snapshot struct {
	Resources []Resource `json:"resources"`
}

// Save writes the full store contents to path atomically
func (s *Store) Save(path string) error {
	s.mu.RLock()
	snap := snapshot{Resources: make([]Resource, 0, len(s.byHash))}
	for _, history := range s.versions {
		for _, res := range history {
			snap.Resources = append(snap.Resources, *res)
		}
	}
	s.mu.RUnlock()

	// Stable order keeps snapshots diffable
	sort.Slice(snap.Resources, func(i, j int) bool {
		if snap.Resources[i].ResourceID != snap.Resources[j].ResourceID {
			return snap.Resources[i].ResourceID < snap.Resources[j].ResourceID
		}
		return snap.Resources[i].Version < snap.Resources[j].Version
	})

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	// Atomic write: write to temp file, then rename
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	s.logger.Debug("Store snapshot saved", "path", path, "resources", len(snap.Resources))
	return nil
}

// Load replaces the store contents with the snapshot at path. A
// missing file leaves the store empty and returns no error.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read store snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal store snapshot: %w", err)
	}

	versions := make(map[string][]*Resource, len(snap.Resources))
	byHash := make(map[string]*Resource, len(snap.Resources))
	for i := range snap.Resources {
		res := snap.Resources[i]
		versions[res.ResourceID] = append(versions[res.ResourceID], &res)
		byHash[res.Hash] = &res
	}
	for _, history := range versions {
		sort.Slice(history, func(i, j int) bool { return history[i].Version < history[j].Version })
	}

	s.mu.Lock()
	s.versions = versions
	s.byHash = byHash
	s.mu.Unlock()

	s.logger.Info("Store snapshot loaded", "path", path, "resources", len(snap.Resources))
	return nil
}
