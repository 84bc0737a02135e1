package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pendingjustification/pjedge/internal/admin"
	"github.com/pendingjustification/pjedge/internal/cache"
	"github.com/pendingjustification/pjedge/internal/config"
	"github.com/pendingjustification/pjedge/internal/logger"
	"github.com/pendingjustification/pjedge/internal/metrics"
	"github.com/pendingjustification/pjedge/internal/proxy"
	"github.com/pendingjustification/pjedge/internal/ratelimit"
	"github.com/pendingjustification/pjedge/internal/repository"
	"github.com/pendingjustification/pjedge/internal/server"
	"github.com/pendingjustification/pjedge/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "pjedge",
		Short:        "Caching edge proxy with a request log",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newHealthcheckCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

// setup loads the configuration and installs the global logger.
func setup(configPath string, out io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	l := logger.New(cfg.Log, out)
	log.Logger = l
	zerolog.DefaultContextLogger = &l
	return cfg, l, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	m := metrics.GetMetricsCollector(cfg.Metrics.Namespace, "pjedge")

	repo, err := repository.NewRepository(&cfg.LogStore)
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close log store")
		}
	}()
	if err := repo.Migrate(logger.WithContext(ctx)); err != nil {
		return err
	}

	store, err := cache.NewStore(cfg.Cache)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close cache")
		}
	}()

	var limiter ratelimit.Limiter
	var opts []proxy.Option
	if cfg.RateLimit.Enabled {
		rlStore, err := ratelimit.NewStore(&cfg.RateLimit)
		if err != nil {
			return fmt.Errorf("open rate limit store: %w", err)
		}
		svc := ratelimit.NewService(&cfg.RateLimit, rlStore)
		defer func() {
			if err := svc.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close rate limiter")
			}
		}()
		limiter = svc
		opts = append(opts, proxy.WithLimiter(svc))
	}

	writer := service.NewLogWriter(repo, cfg.LogStore, m, logger)
	engine, err := proxy.NewEngine(cfg, store, writer, m, logger, opts...)
	if err != nil {
		return err
	}

	app := server.NewApp(server.Deps{
		Config:  cfg,
		Engine:  engine,
		Admin:   admin.NewHandler(repo, logger),
		Limiter: limiter,
		Metrics: prometheus.DefaultGatherer,
		Version: version,
		Logger:  logger,
	})
	janitor := cache.NewJanitor(store, cfg.Cache.PurgeInterval, m, logger)

	// The writer drains only after the server has stopped taking requests.
	stopped, markStopped := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer markStopped()
		if gctx.Err() != nil {
			return nil
		}
		logger.Info().Str("addr", cfg.Server.Addr()).Str("version", version).Msg("Starting server")
		return app.Listen(cfg.Server.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")
		return app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout)
	})
	g.Go(func() error {
		return janitor.Run(gctx)
	})
	g.Go(func() error {
		return writer.Run(stopped, cfg.Server.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Server stopped with error")
		return err
	}
	logger.Info().Msg("Server stopped")
	return nil
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the log store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			repo, err := repository.NewRepository(&cfg.LogStore)
			if err != nil {
				return fmt.Errorf("open log store: %w", err)
			}
			defer repo.Close()
			return repo.Migrate(logger.WithContext(cmd.Context()))
		},
	}
}

func newHealthcheckCmd(configPath *string) *cobra.Command {
	var url string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Exit non-zero unless the server answers /healthz",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				cfg, err := config.LoadConfig(*configPath)
				if err != nil {
					return err
				}
				url = fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("healthcheck: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck: %s returned %d", url, resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "health endpoint (default derived from server.port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
