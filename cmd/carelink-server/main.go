package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carelink/carelink/internal/config"
	"github.com/carelink/carelink/internal/domain/conversation"
	"github.com/carelink/carelink/internal/platform/analysis"
	"github.com/carelink/carelink/internal/platform/db"
	"github.com/carelink/carelink/internal/platform/middleware"
	syncpkg "github.com/carelink/carelink/internal/platform/sync"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carelink-server",
		Short: "Replicated medical conversation service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(journalCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start a conversation replica node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplica()
		},
	}
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Start the sync relay replicas exchange mutations through",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay()
		},
	}
}

func journalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Manage the mutation journal",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the journal table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.HasJournal() {
				return fmt.Errorf("DATABASE_URL is required for journal commands")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := conversation.EnsureJournalSchema(ctx, pool); err != nil {
				return err
			}
			fmt.Println("Journal schema ready.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show persisted mutation counts per conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.HasJournal() {
				return fmt.Errorf("DATABASE_URL is required for journal commands")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := conversation.JournalStatusPG(ctx, pool)
			if err != nil {
				return err
			}
			fmt.Printf("%-45s %s\n", "CONVERSATION", "MUTATIONS")
			for _, s := range statuses {
				fmt.Printf("%-45s %d\n", s.ConversationID, s.Mutations)
			}
			return nil
		},
	})

	return cmd
}

func runReplica() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.ValidateForServe(); err != nil {
		logger.Fatal().Err(err).Msg("invalid replica configuration")
	}

	replicaID := cfg.ReplicaID
	if replicaID == "" {
		replicaID = fmt.Sprintf("%s-%s", cfg.ReplicaRole, uuid.New().String())
	}
	logger = logger.With().Str("replica_id", replicaID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Journal (optional)
	var journal conversation.Journal
	if cfg.HasJournal() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		if err := conversation.EnsureJournalSchema(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure journal schema")
		}
		journal = conversation.NewJournalPG(pool)
		logger.Info().Msg("mutation journal enabled")
	} else {
		logger.Warn().Msg("no DATABASE_URL; replica runs memory-only")
	}

	if !cfg.HasRelay() {
		logger.Warn().Msg("no RELAY_URL; replica runs standalone")
	}

	// Each conversation gets its own store and, when a relay is
	// configured, its own transport subscription.
	factory := func(fctx context.Context, conversationID string) (*conversation.Store, error) {
		opts := []conversation.StoreOption{}
		if journal != nil {
			opts = append(opts, conversation.WithJournal(journal))
		}

		var client *syncpkg.Client
		if cfg.HasRelay() {
			client = syncpkg.NewClient(cfg.RelayURL, conversationID, replicaID, logger)
			opts = append(opts, conversation.WithTransport(client))
		}

		store := conversation.NewStore(conversationID, replicaID, logger, opts...)

		if client != nil {
			go client.Run(ctx, func(hctx context.Context, mu conversation.Mutation) {
				// Malformed mutations are dropped inside the store.
				_ = store.ApplyRemote(hctx, mu)
			})
		}
		return store, nil
	}

	analyzer := analysis.NewClient(cfg.AnalysisURL, cfg.AnalysisTimeout, logger)
	mgr := conversation.NewManager(factory, analyzer, analysis.ImagingSummary, logger)

	// Open the shared conversation up front so journal replay and the
	// relay subscription happen before the first request.
	if _, err := mgr.Open(ctx, cfg.ConversationID); err != nil {
		logger.Fatal().Err(err).Msg("failed to open conversation")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":          "ok",
			"replica_role":    cfg.ReplicaRole,
			"replica_id":      replicaID,
			"conversation_id": cfg.ConversationID,
		})
	})

	api := e.Group("/api")
	conversation.NewHandler(mgr).RegisterRoutes(api)

	return serveWithShutdown(ctx, e, ":"+cfg.Port, logger)
}

func runRelay() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay := syncpkg.NewRelay(cfg.SyncBacklog, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	syncpkg.NewRelayHandler(relay).RegisterRoutes(e)

	return serveWithShutdown(ctx, e, ":"+cfg.RelayPort, logger)
}

func serveWithShutdown(ctx context.Context, e *echo.Echo, addr string, logger zerolog.Logger) error {
	go func() {
		logger.Info().Str("addr", addr).Msg("listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}
	return nil
}
