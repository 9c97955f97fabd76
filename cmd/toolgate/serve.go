package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/draftlens/tool-gateway/internal/config"
	"github.com/draftlens/tool-gateway/internal/gateway"
	"github.com/draftlens/tool-gateway/internal/kv"
	"github.com/draftlens/tool-gateway/internal/tools"
	"github.com/draftlens/tool-gateway/internal/upstream"
	"github.com/draftlens/tool-gateway/internal/utils"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tool gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			initLogging(cfg.Logging)

			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			if store != nil {
				defer func() { _ = store.Close() }()
			}

			gw := gateway.New(cfg, store, newUpstreamClient(cfg), tools.All())
			defer gw.Close()

			srv := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      gw.Router(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info().
					Str("addr", cfg.Server.Addr).
					Str("store", storeName(cfg.Store)).
					Str("upstream", cfg.Upstream.BaseURL).
					Str("api_key", utils.MaskKey(cfg.Upstream.APIKey)).
					Msg("gateway listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "toolgate.yaml", "path to config file")
	return cmd
}

func newUpstreamClient(cfg *config.Config) *upstream.Client {
	return upstream.New(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         cfg.Upstream.APIKey,
		Model:          cfg.Upstream.Model,
		MaxTokens:      cfg.Upstream.MaxTokens,
		MaxRetries:     cfg.Upstream.MaxRetries,
		InitialDelay:   cfg.Upstream.InitialDelay,
		MaxDelay:       cfg.Upstream.MaxDelay,
		Multiplier:     cfg.Upstream.Multiplier,
		AttemptTimeout: cfg.Upstream.AttemptTimeout,
	})
}

// openStore builds the shared-store backend. Returns nil when disabled, in
// which case every dual-tier component runs local-only.
func openStore(ctx context.Context, cfg config.StoreConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case config.StoreMemory:
		return kv.NewMemoryStore(), nil
	case config.StoreSQLite:
		return kv.NewSQLiteStore(cfg.Path)
	case config.StoreDynamo:
		return kv.NewDynamoStore(ctx, cfg.Table)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func storeName(cfg config.StoreConfig) string {
	if cfg.Backend == "" {
		return "none"
	}
	return cfg.Backend
}

func initLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
