package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/000haoji/cardforge/internal/config"
	"github.com/000haoji/cardforge/pkg/models"
)

const CheckpointFilename = "checkpoint.json"

// Manager handles checkpoint operations with async write support
type Manager struct {
	sessionDir  string
	checkpoint  *models.Checkpoint
	mu          sync.RWMutex
	logger      *slog.Logger
	interval    int // Save every N completed tasks
	taskCounter int // Counter since last save
	enabled     bool

	// Async write support
	writeChan   chan *models.Checkpoint
	writeWg     sync.WaitGroup
	stopWriter  chan struct{}
	writerError error
	errorMu     sync.Mutex
	writeMu     sync.Mutex // Protects concurrent disk writes
}

// NewManager creates a new checkpoint manager for a fresh session
func NewManager(sessionDir string, cfg *config.Config, logger *slog.Logger) *Manager {
	m := &Manager{
		sessionDir: sessionDir,
		checkpoint: &models.Checkpoint{
			SessionID:        uuid.New().String(),
			CreatedAt:        time.Now(),
			Phase:            models.PhaseIdle,
			CompletedTaskIDs: make(map[string]bool),
			ConfigHash:       computeConfigHash(cfg),
		},
		logger:     logger,
		interval:   cfg.Generation.CheckpointInterval,
		enabled:    cfg.Generation.EnableCheckpointing,
		writeChan:  make(chan *models.Checkpoint, 10), // Buffer up to 10 pending writes
		stopWriter: make(chan struct{}),
	}

	if m.enabled {
		m.startAsyncWriter()
	}

	return m
}

// NewManagerFromCheckpoint creates a manager resuming an existing checkpoint
func NewManagerFromCheckpoint(sessionDir string, cp *models.Checkpoint, cfg *config.Config, logger *slog.Logger) *Manager {
	if cp.CompletedTaskIDs == nil {
		cp.CompletedTaskIDs = make(map[string]bool)
	}
	m := &Manager{
		sessionDir: sessionDir,
		checkpoint: cp,
		logger:     logger,
		interval:   cfg.Generation.CheckpointInterval,
		enabled:    cfg.Generation.EnableCheckpointing,
		writeChan:  make(chan *models.Checkpoint, 10),
		stopWriter: make(chan struct{}),
	}

	if m.enabled {
		m.startAsyncWriter()
	}

	return m
}

// startAsyncWriter starts the background writer goroutine
func (m *Manager) startAsyncWriter() {
	m.writeWg.Add(1)
	go func() {
		defer m.writeWg.Done()
		for {
			select {
			case cp := <-m.writeChan:
				if err := m.writeCheckpointToDisk(cp); err != nil {
					m.errorMu.Lock()
					m.writerError = err
					m.errorMu.Unlock()
					m.logger.Error("Failed to write checkpoint", "error", err)
				}
			case <-m.stopWriter:
				// Drain remaining writes before stopping
				for len(m.writeChan) > 0 {
					cp := <-m.writeChan
					if err := m.writeCheckpointToDisk(cp); err != nil {
						m.logger.Error("Failed to write checkpoint during shutdown", "error", err)
					}
				}
				return
			}
		}
	}()
}

// writeCheckpointToDisk performs the actual disk write (called by async writer)
func (m *Manager) writeCheckpointToDisk(cp *models.Checkpoint) error {
	// Protect against concurrent disk writes
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// Atomic write: write to temp file, then rename
	checkpointPath := filepath.Join(m.sessionDir, CheckpointFilename)
	tempPath := checkpointPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}

	if err := os.Rename(tempPath, checkpointPath); err != nil {
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	m.logger.Debug("Checkpoint saved", "path", checkpointPath, "phase", cp.Phase)
	return nil
}

// Save queues checkpoint for async write
func (m *Manager) Save() error {
	if !m.enabled {
		return nil
	}

	m.mu.Lock()
	m.checkpoint.LastSavedAt = time.Now()
	// Create a copy to avoid race conditions
	cpCopy := m.copyCheckpoint()
	m.mu.Unlock()

	// Queue for async write (non-blocking if buffer has space)
	select {
	case m.writeChan <- cpCopy:
		return nil
	default:
		// Buffer full, write synchronously
		m.logger.Warn("Checkpoint write buffer full, writing synchronously")
		return m.writeCheckpointToDisk(cpCopy)
	}
}

// SaveSync performs synchronous checkpoint write
func (m *Manager) SaveSync() error {
	if !m.enabled {
		return nil
	}

	m.mu.Lock()
	m.checkpoint.LastSavedAt = time.Now()
	cpCopy := m.copyCheckpoint()
	m.mu.Unlock()

	return m.writeCheckpointToDisk(cpCopy)
}

// copyCheckpoint creates a deep copy of the checkpoint
func (m *Manager) copyCheckpoint() *models.Checkpoint {
	cp := &models.Checkpoint{
		SessionID:        m.checkpoint.SessionID,
		DocumentID:       m.checkpoint.DocumentID,
		CreatedAt:        m.checkpoint.CreatedAt,
		LastSavedAt:      m.checkpoint.LastSavedAt,
		Phase:            m.checkpoint.Phase,
		Segments:         append([]string{}, m.checkpoint.Segments...),
		Tasks:            append([]models.TaskInfo{}, m.checkpoint.Tasks...),
		CompletedTaskIDs: make(map[string]bool, len(m.checkpoint.CompletedTaskIDs)),
		Cards:            append([]models.Card{}, m.checkpoint.Cards...),
		Stats:            m.checkpoint.Stats,
		ConfigHash:       m.checkpoint.ConfigHash,
	}
	for k, v := range m.checkpoint.CompletedTaskIDs {
		cp.CompletedTaskIDs[k] = v
	}
	return cp
}

// Load reads checkpoint from disk
func Load(sessionDir string, logger *slog.Logger) (*models.Checkpoint, error) {
	checkpointPath := filepath.Join(sessionDir, CheckpointFilename)

	data, err := os.ReadFile(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	logger.Info("Checkpoint loaded",
		"session_id", cp.SessionID,
		"document_id", cp.DocumentID,
		"phase", cp.Phase,
		"completed_tasks", len(cp.CompletedTaskIDs))

	return &cp, nil
}

// MarkSegmented records the segmentation result and the synthesized
// task list, transitioning the checkpoint into the generating phase
func (m *Manager) MarkSegmented(documentID string, segments []string, tasks []models.TaskInfo) error {
	m.mu.Lock()
	m.checkpoint.DocumentID = documentID
	m.checkpoint.Segments = segments
	m.checkpoint.Tasks = tasks
	m.checkpoint.Phase = models.PhaseGenerating
	m.mu.Unlock()

	return m.SaveSync() // Use sync for phase transitions
}

// MarkTaskComplete records one finished task and its cards (with
// interval-based saving)
func (m *Manager) MarkTaskComplete(task models.TaskInfo, cards []models.Card, stats *models.GenerationStats) error {
	if !m.enabled {
		return nil
	}

	m.mu.Lock()
	m.checkpoint.CompletedTaskIDs[task.TaskID] = true
	for i := range m.checkpoint.Tasks {
		if m.checkpoint.Tasks[i].TaskID == task.TaskID {
			m.checkpoint.Tasks[i] = task
			break
		}
	}
	m.checkpoint.Cards = append(m.checkpoint.Cards, cards...)
	if stats != nil {
		m.checkpoint.Stats = *stats
	}
	m.taskCounter++
	shouldSave := m.taskCounter >= m.interval
	if shouldSave {
		m.taskCounter = 0
	}
	m.mu.Unlock()

	if shouldSave {
		return m.Save() // Use async for task completions
	}
	return nil
}

// MarkPhase records a phase transition (paused, error) synchronously
func (m *Manager) MarkPhase(phase models.Phase) error {
	m.mu.Lock()
	m.checkpoint.Phase = phase
	m.mu.Unlock()

	return m.SaveSync()
}

// MarkComplete marks the entire document as complete
func (m *Manager) MarkComplete(stats *models.GenerationStats) error {
	m.mu.Lock()
	m.checkpoint.Phase = models.PhaseCompleted
	if stats != nil {
		m.checkpoint.Stats = *stats
	}
	m.mu.Unlock()

	return m.SaveSync() // Use sync for final checkpoint
}

// GetCheckpoint returns a read-only copy of the current checkpoint
func (m *Manager) GetCheckpoint() *models.Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyCheckpoint()
}

// Close stops the async writer and waits for pending writes
func (m *Manager) Close() error {
	if !m.enabled {
		return nil
	}

	// Stop the writer goroutine
	close(m.stopWriter)
	m.writeWg.Wait()

	// Check for any write errors
	m.errorMu.Lock()
	defer m.errorMu.Unlock()
	return m.writerError
}

func computeConfigHash(cfg *config.Config) string {
	// Hash critical config fields that affect generation
	data := fmt.Sprintf("%s:%d:%d:%d",
		cfg.Generation.DefaultTemplate,
		cfg.Generation.MaxSegmentChars,
		cfg.Generation.MaxCardsPerSegment,
		cfg.Generation.MaxCards)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8]) // First 8 bytes
}
