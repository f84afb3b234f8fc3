package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/000haoji/cardforge/internal/config"
	"github.com/000haoji/cardforge/pkg/models"
)

// ValidateCheckpoint verifies checkpoint is compatible with current config
func ValidateCheckpoint(cp *models.Checkpoint, cfg *config.Config) error {
	expectedHash := computeConfigHash(cfg)
	if cp.ConfigHash != expectedHash {
		return fmt.Errorf("checkpoint config mismatch: checkpoint was created with different generation settings (hash: %s vs %s)", cp.ConfigHash, expectedHash)
	}

	if cp.Phase == models.PhaseCompleted {
		return fmt.Errorf("checkpoint is already complete, nothing to resume")
	}

	return nil
}

// GetPendingSegments returns the segment indexes whose tasks still
// need processing, in ascending order
func GetPendingSegments(cp *models.Checkpoint) []int {
	var pending []int
	for _, task := range cp.Tasks {
		if !cp.CompletedTaskIDs[task.TaskID] {
			pending = append(pending, task.SegmentIndex)
		}
	}
	sort.Ints(pending)
	return pending
}

// GetCompletedCount returns the number of completed tasks
func GetCompletedCount(cp *models.Checkpoint) int {
	return len(cp.CompletedTaskIDs)
}

// GetTotalCount returns the total number of tasks
func GetTotalCount(cp *models.Checkpoint) int {
	return len(cp.Tasks)
}

// GetProgressPercentage returns completion percentage
func GetProgressPercentage(cp *models.Checkpoint) float64 {
	total := GetTotalCount(cp)
	if total == 0 {
		return 0.0
	}
	completed := GetCompletedCount(cp)
	return float64(completed) / float64(total) * 100.0
}

// SessionInfo summarizes one resumable session directory
type SessionInfo struct {
	SessionID   string
	DocumentID  string
	Dir         string
	Phase       models.Phase
	Progress    float64
	LastSavedAt time.Time
}

// ListSessions scans outputDir for session directories containing a
// checkpoint and returns them newest first. Unreadable checkpoints are
// logged and skipped.
func ListSessions(outputDir string, logger *slog.Logger) ([]SessionInfo, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read output dir: %w", err)
	}

	var sessions []SessionInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(outputDir, entry.Name())
		cp, err := Load(dir, logger)
		if err != nil {
			logger.Debug("Skipping directory without valid checkpoint", "dir", dir, "error", err)
			continue
		}
		sessions = append(sessions, SessionInfo{
			SessionID:   cp.SessionID,
			DocumentID:  cp.DocumentID,
			Dir:         dir,
			Phase:       cp.Phase,
			Progress:    GetProgressPercentage(cp),
			LastSavedAt: cp.LastSavedAt,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastSavedAt.After(sessions[j].LastSavedAt)
	})
	return sessions, nil
}
