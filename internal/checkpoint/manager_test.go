package checkpoint

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/000haoji/cardforge/internal/config"
	"github.com/000haoji/cardforge/pkg/models"
)

func testConfig(interval int) *config.Config {
	return &config.Config{
		Generation: config.GenerationConfig{
			DefaultTemplate:     "basic",
			MaxSegmentChars:     4000,
			MaxCardsPerSegment:  5,
			MaxCards:            50,
			EnableCheckpointing: true,
			CheckpointInterval:  interval,
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewManager(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir, testConfig(10), testLogger())

	if mgr == nil {
		t.Fatal("NewManager returned nil")
		return
	}

	if mgr.sessionDir != tempDir {
		t.Errorf("Expected sessionDir %s, got %s", tempDir, mgr.sessionDir)
	}

	if mgr.interval != 10 {
		t.Errorf("Expected interval 10, got %d", mgr.interval)
	}

	if !mgr.enabled {
		t.Error("Expected enabled to be true")
	}

	cp := mgr.GetCheckpoint()
	if cp.Phase != models.PhaseIdle {
		t.Errorf("Expected idle phase, got %s", cp.Phase)
	}
	if cp.SessionID == "" {
		t.Error("Expected session id to be assigned")
	}

	// Clean up
	if err := mgr.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	tempDir := t.TempDir()
	logger := testLogger()
	mgr := NewManager(tempDir, testConfig(1), logger)
	defer func() {
		if err := mgr.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	}()

	segments := []string{"seg one", "seg two", "seg three"}
	tasks := []models.TaskInfo{
		{TaskID: "doc1_task_0", SegmentIndex: 0, Status: models.TaskPending},
		{TaskID: "doc1_task_1", SegmentIndex: 1, Status: models.TaskPending},
		{TaskID: "doc1_task_2", SegmentIndex: 2, Status: models.TaskPending},
	}
	if err := mgr.MarkSegmented("doc1", segments, tasks); err != nil {
		t.Fatalf("MarkSegmented failed: %v", err)
	}

	loaded, err := Load(tempDir, logger)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DocumentID != "doc1" {
		t.Errorf("Expected document doc1, got %s", loaded.DocumentID)
	}
	if len(loaded.Segments) != 3 {
		t.Errorf("Expected 3 segments, got %d", len(loaded.Segments))
	}
	if len(loaded.Tasks) != 3 {
		t.Errorf("Expected 3 tasks, got %d", len(loaded.Tasks))
	}
	if loaded.Phase != models.PhaseGenerating {
		t.Errorf("Expected phase %s, got %s", models.PhaseGenerating, loaded.Phase)
	}
}

func TestMarkTaskComplete(t *testing.T) {
	tempDir := t.TempDir()
	logger := testLogger()
	mgr := NewManager(tempDir, testConfig(2), logger)
	defer func() {
		if err := mgr.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	}()

	tasks := []models.TaskInfo{
		{TaskID: "doc1_task_0", SegmentIndex: 0, Status: models.TaskPending},
		{TaskID: "doc1_task_1", SegmentIndex: 1, Status: models.TaskPending},
	}
	if err := mgr.MarkSegmented("doc1", []string{"a", "b"}, tasks); err != nil {
		t.Fatalf("MarkSegmented failed: %v", err)
	}

	done := models.TaskInfo{TaskID: "doc1_task_0", SegmentIndex: 0, Status: models.TaskCompleted, Progress: 100}
	cards := []models.Card{{Front: "Q", Back: "A"}}
	stats := &models.GenerationStats{CompletedTasks: 1, TotalCards: 1}
	if err := mgr.MarkTaskComplete(done, cards, stats); err != nil {
		t.Fatalf("MarkTaskComplete failed: %v", err)
	}

	cp := mgr.GetCheckpoint()
	if !cp.CompletedTaskIDs["doc1_task_0"] {
		t.Error("Task not marked complete")
	}
	if cp.Tasks[0].Status != models.TaskCompleted {
		t.Errorf("Task snapshot not updated: %s", cp.Tasks[0].Status)
	}
	if len(cp.Cards) != 1 {
		t.Errorf("Expected 1 card, got %d", len(cp.Cards))
	}
	if cp.Stats.CompletedTasks != 1 {
		t.Errorf("Stats not recorded: %+v", cp.Stats)
	}
}

func TestIntervalSaving(t *testing.T) {
	tempDir := t.TempDir()
	logger := testLogger()
	mgr := NewManager(tempDir, testConfig(2), logger)
	defer func() {
		if err := mgr.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	}()

	tasks := []models.TaskInfo{
		{TaskID: "t0", SegmentIndex: 0},
		{TaskID: "t1", SegmentIndex: 1},
		{TaskID: "t2", SegmentIndex: 2},
	}
	if err := mgr.MarkSegmented("doc1", []string{"a", "b", "c"}, tasks); err != nil {
		t.Fatalf("MarkSegmented failed: %v", err)
	}

	// First completion is below the interval, second triggers a save
	mgr.MarkTaskComplete(models.TaskInfo{TaskID: "t0", Status: models.TaskCompleted}, nil, nil)
	mgr.MarkTaskComplete(models.TaskInfo{TaskID: "t1", Status: models.TaskCompleted}, nil, nil)

	// Wait for the async write
	time.Sleep(100 * time.Millisecond)

	loaded, err := Load(tempDir, logger)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.CompletedTaskIDs) != 2 {
		t.Errorf("Expected 2 completed tasks persisted, got %d", len(loaded.CompletedTaskIDs))
	}
}

func TestMarkComplete(t *testing.T) {
	tempDir := t.TempDir()
	logger := testLogger()
	mgr := NewManager(tempDir, testConfig(5), logger)
	defer func() {
		if err := mgr.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	}()

	stats := &models.GenerationStats{TotalCards: 7}
	if err := mgr.MarkComplete(stats); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}

	loaded, err := Load(tempDir, logger)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Phase != models.PhaseCompleted {
		t.Errorf("Expected completed phase, got %s", loaded.Phase)
	}
	if loaded.Stats.TotalCards != 7 {
		t.Errorf("Stats not persisted: %+v", loaded.Stats)
	}
}

func TestDisabledManagerIsNoOp(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(1)
	cfg.Generation.EnableCheckpointing = false
	mgr := NewManager(tempDir, cfg, testLogger())

	if err := mgr.Save(); err != nil {
		t.Errorf("Save on disabled manager errored: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Errorf("Close on disabled manager errored: %v", err)
	}
	if _, err := Load(tempDir, testLogger()); err == nil {
		t.Error("Expected no checkpoint file for disabled manager")
	}
}
