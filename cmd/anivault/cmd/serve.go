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
	internalhttp "github.com/danantara/anivault/internal/http"
	"github.com/danantara/anivault/internal/http/handlers"
	"github.com/danantara/anivault/internal/httpclient"
	"github.com/danantara/anivault/internal/mal"
	"github.com/danantara/anivault/internal/mapping"
	"github.com/danantara/anivault/internal/phash"
	"github.com/danantara/anivault/internal/providers"
	"github.com/danantara/anivault/internal/proxy"
	"github.com/danantara/anivault/internal/repository"
	"github.com/danantara/anivault/internal/resolver"
	"github.com/danantara/anivault/internal/streaming"
	"github.com/danantara/anivault/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the anivault API server",
	Long: `Start the anivault HTTP server.

The server provides:
- Aggregated home and genre search endpoints
- Slug and MAL id resolution with on-demand provider discovery
- Per-episode streaming enrichment with archive-aware URLs
- The range-forwarding stream proxy at /proxy
- Prometheus metrics at /metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database-dsn", "", "Database DSN (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("database-dsn") {
		cfg.Database.DSN, _ = cmd.Flags().GetString("database-dsn")
	}

	logger := initLogging(cfg.Logging)

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	mappingRepo := repository.NewMappingRepository(db.DB)
	metadataRepo := repository.NewMALMetadataRepository(db.DB)
	queueRepo := repository.NewVideoQueueRepository(db.DB)
	storeRepo := repository.NewVideoStoreRepository(db.DB)

	scrapeClient := httpclient.New(httpclient.ScrapeConfig(cfg.Scrape.Timeout, logger))
	imageClient := httpclient.New(httpclient.ScrapeConfig(cfg.Scrape.ImageTimeout, logger))

	registry := providers.NewRegistry(
		providers.NewAnimasu("", scrapeClient, logger),
		providers.NewSamehadaku("", scrapeClient, logger),
	)

	malClient := mal.NewClient(cfg.MAL, cfg.Matching, logger)
	hasher := phash.NewGenerator(imageClient, logger)

	mapper := mapping.NewResolver(
		registry,
		malClient,
		hasher,
		mappingRepo,
		metadataRepo,
		cfg.Matching,
		logger,
	)

	embeds := resolver.New(cfg.Scrape.ResolverTimeout, logger)
	notifier := streaming.NewWebhookNotifier(
		cfg.Archive.WorkerBaseURL,
		cfg.Archive.Salt,
		cfg.Archive.WebhookTimeout,
		logger,
	)
	enricher := streaming.NewEnricher(
		registry,
		embeds,
		queueRepo,
		storeRepo,
		notifier,
		cfg.Scrape.CacheTTL,
		cfg.Proxy.BaseURL,
		logger,
	)

	server := internalhttp.NewServer(cfg.Server, logger)

	api := handlers.New(registry, mapper, enricher, malClient, cfg.Scrape.CacheTTL, cfg.Archive.Salt, version.Short(), logger)
	api.Register(server.Router())

	streamProxy := proxy.NewServer(cfg.Proxy, cfg.Storage.Endpoint, logger)
	streamProxy.Register(server.Router())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting anivault server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Short()),
	)

	return server.ListenAndServe(ctx)
}
