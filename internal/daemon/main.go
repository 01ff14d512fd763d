package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jsherman999/occupancyhub/internal/api"
	"github.com/jsherman999/occupancyhub/internal/config"
	"github.com/jsherman999/occupancyhub/internal/hub"
	"github.com/jsherman999/occupancyhub/internal/logging"
	"github.com/jsherman999/occupancyhub/internal/sensorfeed"
	"github.com/jsherman999/occupancyhub/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func Main() {
	var cfgPath string

	root := &cobra.Command{Use: "occupancyd", Short: "Occupancy hub daemon (API + live updates)"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")

	root.AddCommand(migrateCmd(&cfgPath))
	root.AddCommand(serveCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.RequireDB(); err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.Sugar(), nil
}

func migrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			// Open applies pending migrations.
			st, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
			if err != nil {
				return err
			}
			st.Close()
			log.Infow("migrations applied", "driver", cfg.DB.Driver)
			return nil
		},
	}
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and live update hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer st.Close()

			h := hub.New(st, log, hubOptions(cfg))
			a := api.New(st, h, log, cfg.Query.RecentLimit)
			srv := &http.Server{Addr: cfg.API.Listen, Handler: a.Router(), ReadHeaderTimeout: 10 * time.Second}
			// Live connections are hijacked and event streams never go idle,
			// so Shutdown alone would wait on them.
			srv.RegisterOnShutdown(h.Close)

			if cfg.AMQP.Enabled {
				sub := sensorfeed.NewSubscriber(sensorfeed.Config{
					DSN:            cfg.AMQP.DSN,
					Exchange:       cfg.AMQP.Exchange,
					Tag:            cfg.AMQP.Tag,
					Topics:         cfg.AMQP.Topics,
					TLS:            cfg.AMQP.TLS,
					ReconnectDelay: cfg.Client.ReconnectDelay,
				}, func(ctx context.Context, body []byte) error {
					return h.Ingest(ctx, body, nil)
				}, log)
				go func() {
					if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Warnw("sensorfeed stopped", "error", err)
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				log.Infow("occupancyd listening", "addr", cfg.API.Listen, "driver", cfg.DB.Driver)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				log.Infow("shutting down")
			case err := <-errCh:
				h.Close()
				return fmt.Errorf("listen: %w", err)
			}

			shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err = srv.Shutdown(shCtx)
			h.Close()
			if err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			log.Infow("shutdown OK")
			return nil
		},
	}
}

func hubOptions(cfg *config.Config) hub.Options {
	return hub.Options{
		SendBuffer:      cfg.Hub.SendBuffer,
		MaxMessageBytes: cfg.Hub.MaxMessageBytes,
		WriteWait:       cfg.Hub.WriteWait,
		PongWait:        cfg.Hub.PongWait,
		PersistTimeout:  cfg.Hub.PersistTimeout,
		RejectProtocols: cfg.Hub.RejectProtocols,
		AllowedOrigins:  cfg.Hub.AllowedOrigins,
	}
}
