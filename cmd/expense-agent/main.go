package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/expense-agent/internal/config"
	"github.com/zombor/expense-agent/internal/extraction"
	"github.com/zombor/expense-agent/internal/matching"
	"github.com/zombor/expense-agent/internal/metrics"
	"github.com/zombor/expense-agent/internal/receipt"
	"github.com/zombor/expense-agent/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is fine; real environment variables still apply
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	flags := config.NewFlags("expense-agent")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags.FlagSet()))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if flags.ShowVersion() {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg, err := flags.Config(os.Getenv)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	slog.Info("Initializing database...", "path", cfg.DBPath)
	db, err := receipt.NewBoltDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	slog.Info("Initializing storage...", "path", cfg.StoragePath)
	store, err := receipt.NewLocalStorage(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	vision, err := newVision(ctx, cfg.Vision)
	if err != nil {
		return err
	}
	defer vision.Close()

	configured := cfg.Configured()
	for _, b := range cfg.Order {
		slog.Info("Extraction backend", "backend", b, "configured", configured[b])
	}

	m := metrics.New()
	dispatcher := extraction.NewDispatcher(extraction.DispatcherConfig{
		Adapters: []scanning.Analyzer{
			scanning.NewDocumentIntelligence(cfg.DocumentIntelligence),
			scanning.NewContentUnderstanding(cfg.ContentUnderstanding),
			vision,
		},
		Configured:  configured,
		Order:       cfg.Order,
		Concurrency: cfg.BatchConcurrency,
		Observer:    m,
	})
	engine := matching.NewEngine(cfg.Matching, nil)

	receiptService := receipt.NewService(db, dispatcher, engine, store)
	receiptService.SetRankingObserver(m)

	if cfg.CandidatesFile != "" {
		if err := importCandidates(receiptService, cfg.CandidatesFile); err != nil {
			return err
		}
	}

	basicAuth := receipt.BasicAuth{
		Username: cfg.AuthUser,
		Password: cfg.AuthPass,
	}
	server := receipt.NewServer(receiptService, basicAuth, receipt.Diagnostics{
		EnvCheck: cfg.EnvCheck(),
		Metrics:  m.Handler(),
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if cfg.AuthUser != "" || cfg.AuthPass != "" {
		slog.Info("Basic auth enabled", "user", cfg.AuthUser)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newVision builds the vision adapter. When the selected provider lacks its
// settings the adapter is still registered and reports itself unavailable.
func newVision(ctx context.Context, cfg config.VisionConfig) (*scanning.Vision, error) {
	var model scanning.VisionModel
	switch cfg.Provider {
	case "gemini":
		if cfg.GeminiKey == "" {
			slog.Warn("Gemini API key not set, vision backend disabled. Set --gemini-key or " + config.EnvGeminiKey)
			break
		}
		slog.Info("Initializing Gemini vision model...", "model", cfg.GeminiModel)
		gemini, err := scanning.NewGeminiModel(ctx, cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Gemini: %w", err)
		}
		model = gemini
	case "ollama":
		if cfg.OllamaURL == "" {
			slog.Warn("Ollama URL not set, vision backend disabled")
			break
		}
		slog.Info("Initializing Ollama vision model...", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		model = scanning.NewOllamaModel(cfg.OllamaURL, cfg.OllamaModel)
	}
	return scanning.NewVision(model, cfg.MaxPages, cfg.Timeout), nil
}

func importCandidates(service *receipt.Service, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open candidates file: %w", err)
	}
	defer f.Close()

	imported, err := service.ImportCandidatesCSV(f)
	if err != nil {
		return fmt.Errorf("failed to import candidates from %s: %w", path, err)
	}
	slog.Info("Imported expense candidates", "file", path, "count", len(imported))
	return nil
}
