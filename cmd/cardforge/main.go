package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/000haoji/cardforge/internal/backend"
	"github.com/000haoji/cardforge/internal/checkpoint"
	"github.com/000haoji/cardforge/internal/config"
	"github.com/000haoji/cardforge/internal/deck"
	"github.com/000haoji/cardforge/internal/events"
	"github.com/000haoji/cardforge/internal/export"
	"github.com/000haoji/cardforge/internal/llm"
	"github.com/000haoji/cardforge/internal/metrics"
	"github.com/000haoji/cardforge/internal/session"
	"github.com/000haoji/cardforge/internal/store"
	"github.com/000haoji/cardforge/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	envFile     string
	verbose     bool
	templateIDs []string
	references  []string
	maxCards    int
	deckName    string
	noteType    string
	exportFmt   string
	outputJSON  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cardforge",
		Short: "CardForge - LLM flashcard generator",
		Long: `CardForge turns documents into Anki flashcards using LLMs.
Documents are segmented, each segment is processed concurrently, and
the resulting cards can be exported as .apkg files, pushed to a running
Anki instance, or written as JSON.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	generateCmd := &cobra.Command{
		Use:   "generate <document>",
		Short: "Generate flashcards from a document",
		Long: `Generate flashcards from a markdown or plain-text document:
1. Split the document into segments at heading boundaries
2. Generate cards for each segment concurrently
3. Optionally export the results (see the export command)

Pass "-" to read the document from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: runGenerate,
	}
	generateCmd.Flags().StringSliceVar(&templateIDs, "template", nil, "Card template ids (default from config)")
	generateCmd.Flags().StringArrayVar(&references, "reference", nil, "Reference file to ground generation with (repeatable)")
	generateCmd.Flags().IntVar(&maxCards, "max-cards", 0, "Overall card cap (0 = config default)")
	generateCmd.Flags().StringVar(&deckName, "deck", "", "Deck name for export metadata")
	generateCmd.Flags().StringVar(&noteType, "note-type", "", "Anki note type for export metadata")
	generateCmd.Flags().StringVar(&exportFmt, "export", "", "Export the cards when done (apkg, anki_connect, json)")

	resumeCmd := &cobra.Command{
		Use:   "resume <session-dir>",
		Short: "Resume an interrupted generation run",
		Long:  "Resume generation from a checkpoint in a session directory under the output folder",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	resumeCmd.Flags().StringVar(&exportFmt, "export", "", "Export the cards when done (apkg, anki_connect, json)")
	resumeCmd.Flags().StringVar(&deckName, "deck", "", "Deck name for export metadata")
	resumeCmd.Flags().StringVar(&noteType, "note-type", "", "Anki note type for export metadata")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage generation sessions",
		Long:  "List session directories in the output folder and inspect their checkpoints",
		RunE:  runSessions,
	}
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List resumable sessions",
		RunE:  runSessions,
	})
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "inspect <session-dir>",
		Short: "Show checkpoint details for a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsInspect,
	})

	exportCmd := &cobra.Command{
		Use:   "export <cards.json>",
		Short: "Export previously generated cards",
		Long:  "Export a cards JSON file (as written by generate) to apkg, AnkiConnect, or JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	exportCmd.Flags().StringVar(&exportFmt, "format", "apkg", "Export format (apkg, anki_connect, json)")
	exportCmd.Flags().StringVar(&deckName, "deck", "", "Deck name (default from config)")
	exportCmd.Flags().StringVar(&noteType, "note-type", "", "Anki note type (default from config)")

	templatesCmd := &cobra.Command{
		Use:   "templates",
		Short: "List available card templates",
		RunE:  runTemplates,
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze <document>",
		Short: "Analyze a document before generating",
		Long:  "Ask the analyzer model how many cards the document supports and which templates fit",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().BoolVar(&outputJSON, "json", false, "Print the analysis as JSON")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(analyzeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the wired components every command needs
type app struct {
	cfg          *config.Config
	engine       *backend.Engine
	controller   *session.Controller
	bus          *events.Bus
	logger       *slog.Logger
	logFile      *os.File
	sessionMgr   *export.SessionManager
	resources    *store.Store
	snapshotPath string
}

func (a *app) close() {
	if a.resources != nil && a.resources.Len() > 0 {
		if err := a.resources.Save(a.snapshotPath); err != nil {
			a.logger.Warn("Failed to save resource snapshot", "error", err)
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Sync()
		_ = a.logFile.Close()
	}
}

// setup loads config and secrets, creates the session directory, and
// wires the engine behind a session controller.
func setup(resumeFromSession string) (*app, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	sessionMgr, err := export.NewSessionManager(cfg.Export.OutputDir, slog.Default(), resumeFromSession)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger, logFile, err := export.SetupLogger(sessionMgr, logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	logger.Info("CardForge starting",
		"version", Version,
		"config", configPath,
		"session_dir", sessionMgr.GetSessionDir())

	if resumeFromSession == "" {
		if err := sessionMgr.BackupConfig(configPath); err != nil {
			logger.Warn("Failed to back up config", "error", err)
		}
	}

	collector := metrics.NewCollector(logger)
	client := llm.NewClient(logger, collector)
	templates := deck.NewRegistry(cfg.PromptTemplates)
	bus := events.NewBus()
	exporter := export.NewManager(cfg.Export, logger)

	resources := store.NewStore(cfg.Store, logger)
	snapshotPath := filepath.Join(sessionMgr.GetSessionDir(), "resources.json")
	if err := resources.Load(snapshotPath); err != nil {
		logger.Warn("Failed to load resource snapshot", "error", err)
	}

	engine := backend.NewEngine(cfg, secrets, client, templates, bus, exporter, resources, collector, logger)
	controller := session.NewController(engine, engine, logger)

	return &app{
		cfg:          cfg,
		engine:       engine,
		controller:   controller,
		bus:          bus,
		logger:       logger,
		logFile:      logFile,
		sessionMgr:   sessionMgr,
		resources:    resources,
		snapshotPath: snapshotPath,
	}, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	content, err := readDocument(args[0])
	if err != nil {
		return err
	}

	a, err := setup("")
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bar := progressbar.Default(100, "Generating cards")
	a.controller.Subscribe(a.bus, session.Callbacks{
		OnProgress: func(progress int, _ []models.TaskInfo) {
			_ = bar.Set(progress)
		},
		OnCard: func(card models.Card) {
			a.logger.Debug("Card received", "id", card.ID, "front", card.Front)
		},
	})
	defer a.controller.Unsubscribe()

	refs, err := loadReferences(a)
	if err != nil {
		return err
	}

	input := models.GenerateInput{
		Content:     content,
		TemplateIDs: templateIDs,
		MaxCards:    maxCards,
		References:  refs,
		Options: models.GenerateOptions{
			DeckName: deckName,
			NoteType: noteType,
		},
	}

	out, err := a.controller.Generate(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			sessionDir := filepath.Base(a.sessionMgr.GetSessionDir())
			a.logger.Warn("Generation interrupted, resume with",
				"command", fmt.Sprintf("cardforge resume %s", sessionDir))
			return fmt.Errorf("generation interrupted (resume with: cardforge resume %s)", sessionDir)
		}
		return fmt.Errorf("generation failed: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("generation failed: %s", out.Error)
	}
	_ = bar.Finish()

	return finishRun(ctx, a, out)
}

// loadReferences stores each --reference file and builds the refs that
// pin generation to the stored version. Unchanged files reuse their
// existing store entry.
func loadReferences(a *app) ([]models.ContextRef, error) {
	var refs []models.ContextRef
	for _, path := range references {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read reference %q: %w", path, err)
		}
		name := filepath.Base(path)
		created, err := a.resources.CreateOrReuse(data, store.ResourceFile, name, path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to store reference %q: %w", path, err)
		}
		a.logger.Info("Loaded reference", "name", name, "resource_id", created.ResourceID, "new", created.IsNew)
		refs = append(refs, models.ContextRef{
			ResourceID:  created.ResourceID,
			Hash:        created.Hash,
			DisplayName: name,
		})
	}
	return refs, nil
}

func runResume(cmd *cobra.Command, args []string) error {
	sessionDir := args[0]
	if err := export.ValidateSessionPath(sessionDir); err != nil {
		return fmt.Errorf("invalid session directory: %w", err)
	}

	a, err := setup(sessionDir)
	if err != nil {
		return err
	}
	defer a.close()

	cp, err := checkpoint.Load(a.sessionMgr.GetSessionDir(), a.logger)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := checkpoint.ValidateCheckpoint(cp, a.cfg); err != nil {
		return fmt.Errorf("checkpoint validation failed: %w", err)
	}

	a.logger.Info("Resuming from checkpoint",
		"document_id", cp.DocumentID,
		"phase", cp.Phase,
		"progress", fmt.Sprintf("%.1f%%", checkpoint.GetProgressPercentage(cp)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bar := progressbar.Default(100, "Generating cards")
	_ = bar.Set(int(checkpoint.GetProgressPercentage(cp)))

	a.controller.Subscribe(a.bus, session.Callbacks{
		OnProgress: func(progress int, _ []models.TaskInfo) {
			_ = bar.Set(progress)
		},
	})
	defer a.controller.Unsubscribe()

	out, err := a.engine.ResumeFromCheckpoint(ctx, cp, a.sessionMgr.GetSessionDir())
	if err != nil {
		return fmt.Errorf("resume failed: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("resume failed: %s", out.Error)
	}
	_ = bar.Finish()

	return finishRun(ctx, a, out)
}

// finishRun writes the raw cards file and performs the optional export
func finishRun(ctx context.Context, a *app, out models.GenerateOutput) error {
	if out.Paused {
		a.logger.Warn("Generation paused with pending tasks",
			"session_dir", a.sessionMgr.GetSessionDir())
		return nil
	}
	if out.Cancelled {
		a.logger.Warn("Generation cancelled",
			"session_dir", a.sessionMgr.GetSessionDir())
		return nil
	}

	cards := models.FilterErrorCards(out.Cards)
	a.logger.Info("Generation complete",
		"document_id", out.DocumentID,
		"cards", len(cards),
		"error_cards", len(out.Cards)-len(cards),
		"session_dir", a.sessionMgr.GetSessionDir())

	data, err := json.MarshalIndent(out.Cards, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cards: %w", err)
	}
	if err := os.WriteFile(a.sessionMgr.GetCardsPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write cards file: %w", err)
	}
	a.logger.Info("Wrote cards file", "path", a.sessionMgr.GetCardsPath())

	if exportFmt == "" {
		return nil
	}

	result, err := a.engine.ExportCards(ctx, models.ExportInput{
		Cards:    out.Cards,
		Format:   models.ExportFormat(exportFmt),
		DeckName: deckName,
		NoteType: noteType,
	})
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("export failed: %s", result.Error)
	}
	if result.FilePath != "" {
		a.logger.Info("Exported cards", "path", result.FilePath)
	} else {
		a.logger.Info("Exported cards", "imported", result.ImportedCount)
	}
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	sessions, err := checkpoint.ListSessions(cfg.Export.OutputDir, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No resumable sessions found.")
		return nil
	}

	fmt.Printf("%-35s %-12s %-12s %s\n", "SESSION", "PHASE", "PROGRESS", "LAST SAVED")
	fmt.Println(strings.Repeat("-", 80))
	for _, s := range sessions {
		fmt.Printf("%-35s %-12s %-11.1f%% %s\n",
			filepath.Base(s.Dir), s.Phase, s.Progress,
			s.LastSavedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runSessionsInspect(cmd *cobra.Command, args []string) error {
	if err := export.ValidateSessionPath(args[0]); err != nil {
		return fmt.Errorf("invalid session directory: %w", err)
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	cp, err := checkpoint.Load(filepath.Join(cfg.Export.OutputDir, args[0]), slog.Default())
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	fmt.Printf("Session:    %s\n", args[0])
	fmt.Printf("Document:   %s\n", cp.DocumentID)
	fmt.Printf("Phase:      %s\n", cp.Phase)
	fmt.Printf("Progress:   %.1f%% (%d/%d segments)\n",
		checkpoint.GetProgressPercentage(cp),
		checkpoint.GetCompletedCount(cp),
		checkpoint.GetTotalCount(cp))
	fmt.Printf("Cards:      %d\n", len(cp.Cards))
	fmt.Printf("Created:    %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Last saved: %s\n", cp.LastSavedAt.Format("2006-01-02 15:04:05"))

	if pending := checkpoint.GetPendingSegments(cp); len(pending) > 0 {
		fmt.Printf("Pending segments: %v\n", pending)
	}
	failed := 0
	for _, task := range cp.Tasks {
		if task.Status == models.TaskFailed {
			failed++
		}
	}
	if failed > 0 {
		fmt.Printf("Failed tasks: %d (retry with: cardforge resume %s)\n", failed, args[0])
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read cards file: %w", err)
	}
	var cards []models.Card
	if err := json.Unmarshal(data, &cards); err != nil {
		return fmt.Errorf("failed to parse cards file: %w", err)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.Default()
	manager := export.NewManager(cfg.Export, logger)

	result, err := manager.Export(context.Background(), models.ExportInput{
		Cards:    cards,
		Format:   models.ExportFormat(exportFmt),
		DeckName: deckName,
		NoteType: noteType,
	})
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("export failed: %s", result.Error)
	}

	if result.FilePath != "" {
		fmt.Printf("Exported %d cards to %s\n", len(models.FilterErrorCards(cards)), result.FilePath)
	} else {
		fmt.Printf("Imported %d cards via AnkiConnect\n", result.ImportedCount)
	}
	return nil
}

func runTemplates(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	templates := deck.NewRegistry(cfg.PromptTemplates).List()

	fmt.Printf("%-18s %-28s %-10s %s\n", "ID", "NAME", "NOTE TYPE", "DESCRIPTION")
	fmt.Println(strings.Repeat("-", 90))
	for _, t := range templates {
		fmt.Printf("%-18s %-28s %-10s %s\n", t.ID, t.Name, t.NoteType, t.Description)
	}
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	content, err := readDocument(args[0])
	if err != nil {
		return err
	}

	a, err := setup("")
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	analysis, err := a.controller.AnalyzeContent(ctx, content)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	if outputJSON {
		data, err := json.MarshalIndent(analysis, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal analysis: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Suggested cards:       %d\n", analysis.SuggestedCards)
	if len(analysis.Topics) > 0 {
		fmt.Printf("Topics:                %s\n", strings.Join(analysis.Topics, ", "))
	}
	if len(analysis.RecommendedTemplates) > 0 {
		fmt.Printf("Recommended templates: %s\n", strings.Join(analysis.RecommendedTemplates, ", "))
	}
	if analysis.Summary != "" {
		fmt.Printf("Summary:               %s\n", analysis.Summary)
	}
	return nil
}

// loadConfig loads the configuration file, falling back to defaults
// when the default config path does not exist.
func loadConfig() (*config.Config, *config.Secrets, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) && configPath == "config.toml" {
		secrets, serr := config.LoadSecrets()
		if serr != nil {
			return nil, nil, fmt.Errorf("failed to load secrets: %w", serr)
		}
		return config.Default(), secrets, nil
	}
	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, secrets, nil
}

// readDocument reads the document argument, treating "-" as stdin
func readDocument(arg string) (string, error) {
	if arg == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return "", fmt.Errorf("failed to read document: %w", err)
	}
	return string(data), nil
}
