package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danantara/anivault/internal/database"
	"github.com/danantara/anivault/internal/repository"
	"github.com/danantara/anivault/internal/resolver"
	"github.com/danantara/anivault/internal/storage"
	"github.com/danantara/anivault/internal/version"
	"github.com/danantara/anivault/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the archival worker",
	Long: `Start the archival worker.

The worker claims pending jobs from the shared queue on a fixed interval
and on webhook triggers from the API, downloads each episode to local
scratch space, and uploads the result to every configured storage account.

Its HTTP surface provides:
- POST /trigger for webhook-driven processing (bearer-token authenticated)
- /status for queue depth and disk headroom
- /health and Prometheus metrics at /metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 7860, "Port to listen on")
	serveCmd.Flags().String("database-dsn", "", "Database DSN (overrides config)")
	serveCmd.Flags().String("temp-dir", "", "Scratch directory for downloads (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cmd.Flags().Changed("host") {
		cfg.Worker.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Worker.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("database-dsn") {
		cfg.Database.DSN, _ = cmd.Flags().GetString("database-dsn")
	}
	if cmd.Flags().Changed("temp-dir") {
		cfg.Worker.TempDir, _ = cmd.Flags().GetString("temp-dir")
	}

	logger := initLogging(cfg.Logging)

	if len(cfg.Storage.ValidAccounts()) == 0 {
		logger.Warn("no storage accounts configured, uploads will fail")
	}

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	queueRepo := repository.NewVideoQueueRepository(db.DB)
	storeRepo := repository.NewVideoStoreRepository(db.DB)

	embeds := resolver.New(cfg.Scrape.ResolverTimeout, logger)
	uploads := storage.NewClient(cfg.Storage, logger)
	dl := worker.NewDownloader(cfg.Worker.FFmpegPath, embeds, logger)

	w := worker.New(
		cfg.Worker,
		cfg.Archive,
		cfg.Proxy.BaseURL,
		queueRepo,
		storeRepo,
		uploads,
		dl,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	defer w.Stop()

	server := worker.NewServer(cfg.Worker, cfg.Archive, queueRepo, storeRepo, w, logger)

	logger.Info("starting anivault worker",
		slog.String("host", cfg.Worker.Host),
		slog.Int("port", cfg.Worker.Port),
		slog.String("version", version.Short()),
	)

	return server.ListenAndServe(ctx)
}
