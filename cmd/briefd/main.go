// briefd is the daily-digest memory and ranking daemon. In daemon mode it
// runs the background consolidation/prune loop while connectors drive
// briefing runs through the library API. The -items and -feedback flags run
// one-shot pipelines from JSON files, useful for local connectors and
// debugging.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/tidewater/briefd/config"
	"github.com/tidewater/briefd/consolidate"
	"github.com/tidewater/briefd/item"
	brieflogger "github.com/tidewater/briefd/logger"
	"github.com/tidewater/briefd/memory"
	"github.com/tidewater/briefd/migrations"
	"github.com/tidewater/briefd/runner"
	"github.com/tidewater/briefd/runtime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", config.Path(), "Path to YAML config file")
		dbPath       = flag.String("db", "", "Path to SQLite database file (overrides config)")
		logFile      = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty       = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		userID       = flag.String("user", "", "User id for one-shot modes")
		itemsPath    = flag.String("items", "", "Run one briefing from a JSON file of source batches and print the bundle")
		feedbackPath = flag.String("feedback", "", "Ingest feedback events from a JSON file")
		erase        = flag.Bool("erase", false, "Erase all stored state for the given user and exit")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	logger, err := brieflogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger.Info().Str("db", cfg.DBPath).Msg("briefd starting")

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	if err := migrations.Run(db, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store, err := memory.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("failed to create memory store: %w", err)
	}

	locks := runner.NewUserLocks()

	switch {
	case *erase:
		if *userID == "" {
			return fmt.Errorf("--erase requires --user")
		}
		if err := store.EraseUser(context.Background(), *userID); err != nil {
			return fmt.Errorf("erase user: %w", err)
		}
		return nil
	case *itemsPath != "":
		return runBriefing(store, cfg, locks, *userID, *itemsPath, logger)
	case *feedbackPath != "":
		return ingestFeedback(store, *userID, *feedbackPath, logger)
	default:
		return runDaemon(store, cfg, locks, logger)
	}
}

// runDaemon starts the background scheduler and blocks until SIGINT/SIGTERM.
func runDaemon(store *memory.Store, cfg *config.Config, locks *runner.UserLocks, logger zerolog.Logger) error {
	consolidator := consolidate.NewConsolidator(store, cfg.Consolidation, logger)
	scheduler, err := runtime.NewScheduler(store, consolidator, locks, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.Start(ctx)
	logger.Info().Msg("Background scheduler started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	cancel()

	logger.Info().Msg("briefd shutdown complete")
	return nil
}

// batchFile is the on-disk shape of a one-shot briefing input: ordered
// source batches of normalized items.
type batchFile struct {
	Batches []struct {
		Source string      `json:"source"`
		Error  string      `json:"error,omitempty"`
		Items  []item.Item `json:"items"`
	} `json:"batches"`
}

// runBriefing executes one briefing run from a JSON file and prints the
// resulting bundle to stdout.
func runBriefing(store *memory.Store, cfg *config.Config, locks *runner.UserLocks, userID, path string, logger zerolog.Logger) error {
	if userID == "" {
		return fmt.Errorf("--items requires --user")
	}
	raw, err := os.ReadFile(path) //#nosec 304 -- intentional input file read
	if err != nil {
		return fmt.Errorf("failed to read items file: %w", err)
	}
	var input batchFile
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("failed to parse items file: %w", err)
	}

	batches := make([]runner.SourceBatch, 0, len(input.Batches))
	for _, b := range input.Batches {
		batch := runner.SourceBatch{Source: b.Source, Items: b.Items}
		if b.Error != "" {
			batch.Err = fmt.Errorf("%s", b.Error)
		}
		batches = append(batches, batch)
	}

	coordinator := runner.NewCoordinator(store, cfg, locks, logger)
	bundle, err := coordinator.Run(context.Background(), userID, batches, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("briefing run failed: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(bundle)
}

// ingestFeedback appends feedback events from a JSON array. Events with an
// unknown type are rejected individually; the rest of the file still lands.
func ingestFeedback(store *memory.Store, userID, path string, logger zerolog.Logger) error {
	raw, err := os.ReadFile(path) //#nosec 304 -- intentional input file read
	if err != nil {
		return fmt.Errorf("failed to read feedback file: %w", err)
	}
	var events []memory.FeedbackEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return fmt.Errorf("failed to parse feedback file: %w", err)
	}

	ctx := context.Background()
	accepted, rejected := 0, 0
	for _, ev := range events {
		if ev.UserID == "" {
			ev.UserID = userID
		}
		if _, err := store.AppendFeedback(ctx, ev); err != nil {
			logger.Warn().Err(err).Str("fingerprint", ev.Fingerprint).Msg("Rejected feedback event")
			rejected++
			continue
		}
		accepted++
	}
	logger.Info().Int("accepted", accepted).Int("rejected", rejected).Msg("Feedback ingestion complete")
	if accepted == 0 && rejected > 0 {
		return fmt.Errorf("all %d feedback events rejected", rejected)
	}
	return nil
}
