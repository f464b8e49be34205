package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"runnerd/internal/config"
	"runnerd/internal/httpapi"
	"runnerd/internal/worker"
	"runnerd/pkg/types"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "runnerd",
		Short:         "Supervised local inference daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildEstimateCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		workerBin  string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API in front of a supervised worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Config
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			// Flags override file values.
			if addr != "" {
				cfg.Addr = addr
			}
			if workerBin != "" {
				cfg.WorkerBin = workerBin
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if cfg.Addr == "" {
				cfg.Addr = ":8080"
			}
			if cfg.WorkerBin == "" {
				return fmt.Errorf("worker binary is required (--worker-bin or config)")
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("RUNNERD_CONFIG"), "Path to a yaml/json/toml config file")
	cmd.Flags().StringVar(&addr, "addr", os.Getenv("RUNNERD_ADDR"), "HTTP listen address, e.g. :8080")
	cmd.Flags().StringVar(&workerBin, "worker-bin", os.Getenv("RUNNERD_WORKER_BIN"), "Path to the inference worker binary")
	cmd.Flags().StringVar(&logLevel, "log-level", os.Getenv("RUNNERD_LOG_LEVEL"), "Log level: debug|info|warn|error")
	return cmd
}

func serve(cfg config.Config) error {
	log := newLogger(cfg.LogLevel)

	sup := worker.New(worker.Config{
		WorkerBin:        cfg.WorkerBin,
		WorkerArgs:       cfg.WorkerArgs,
		HandshakeTimeout: cfg.HandshakeTimeout.Std(),
		CallTimeout:      cfg.CallTimeout.Std(),
		DownloadTimeout:  cfg.DownloadTimeout.Std(),
		MaxRestarts:      cfg.MaxRestarts,
		BackoffBase:      cfg.BackoffBase.Std(),
		BackoffCap:       cfg.BackoffCap.Std(),
		Logger:           &log,
	})

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelStart()
	if err := sup.Start(startCtx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer sup.Close()

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetLogger(log)
	if len(cfg.CORSOrigins) > 0 {
		httpapi.SetCORSOptions(true, cfg.CORSOrigins)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(sup)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("worker", cfg.WorkerBin).Msg("runnerd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// buildEstimateCmd computes load settings offline from a model shape and an
// accelerator inventory, both given as JSON files.
func buildEstimateCmd() *cobra.Command {
	var (
		shapePath  string
		accelsPath string
		ctxSize    int
		parallel   int
	)
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Print optimal load settings for a model on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			var shape types.ModelShape
			if err := readJSONFile(shapePath, &shape); err != nil {
				return fmt.Errorf("model shape: %w", err)
			}
			var accels []types.Accelerator
			if accelsPath != "" {
				if err := readJSONFile(accelsPath, &accels); err != nil {
					return fmt.Errorf("accelerators: %w", err)
				}
			}
			settings := worker.OptimalSettings(shape, accels, ctxSize, parallel)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(settings)
		},
	}
	cmd.Flags().StringVar(&shapePath, "shape", "", "JSON file describing the model shape (required)")
	cmd.Flags().StringVar(&accelsPath, "accelerators", "", "JSON file listing accelerators (omit for CPU only)")
	cmd.Flags().IntVar(&ctxSize, "ctx", 0, "Requested context size (0 = model default)")
	cmd.Flags().IntVar(&parallel, "parallel", 1, "Parallel sequence count")
	_ = cmd.MarkFlagRequired("shape")
	return cmd
}

func readJSONFile(path string, dst any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}
