package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/andresmejia3/facevec/internal/config"
	"github.com/andresmejia3/facevec/internal/imageio"
	"github.com/andresmejia3/facevec/internal/server"
	"github.com/andresmejia3/facevec/internal/utils"
	"github.com/andresmejia3/facevec/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve POST /process_image with a pool of embedding engines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), Cfg, Logger)
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", "0.0.0.0:5001", "Listen address")
	f.String("allowed-origin", "http://localhost:3000", "The single origin allowed by CORS")
	f.Duration("shutdown-timeout", 5*time.Second, "Graceful shutdown deadline")
	addEngineFlags(serveCmd)
	f.IntP("engines", "e", 1, "Number of parallel engine workers")
	rootCmd.AddCommand(serveCmd)
}

// addEngineFlags registers the flags shared by every command that launches engines.
// Only flags set on the command line override the config file and environment.
func addEngineFlags(c *cobra.Command) {
	f := c.Flags()
	f.String("python", "python3", "Python interpreter with face_recognition installed")
	f.String("worker-script", "python/embed_worker.py", "Path to the engine script")
	f.Duration("worker-timeout", 60*time.Second, "Per-request engine deadline (0 disables)")
	f.Duration("startup-timeout", 2*time.Minute, "Model load deadline per engine (0 disables)")
	f.Int("max-dimension", 0, "Downscale images whose longest side exceeds this (0 keeps full size)")
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		Python:       cfg.Worker.Python,
		Script:       cfg.Worker.Script,
		ReadTimeout:  cfg.Worker.Timeout,
		StartTimeout: cfg.Worker.Startup,
	}
}

// runServe warms every engine before accepting traffic, then serves until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := startPool(ctx, cfg, logger, worker.PythonSpawner(workerConfig(cfg)))
	if err != nil {
		utils.ShowError("Failed to start engine pool", err, nil)
		return err
	}
	if pool == nil {
		logger.Info("interrupted while loading engines")
		return nil
	}
	defer pool.Close()

	srv := server.New(&server.Config{
		Addr:            cfg.Server.Addr,
		AllowedOrigin:   cfg.Server.AllowedOrigin,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, imageio.NewDecoder(cfg.Image.MaxDimension), pool, logger)

	return srv.Run(ctx)
}

// startPool starts the engines behind a progress bar. Cancelling ctx during warm-up is not
// a failure: it returns a nil pool and a nil error.
func startPool(ctx context.Context, cfg *config.Config, logger *slog.Logger, spawn worker.SpawnFunc) (*worker.Pool, error) {
	logger.Info("spawning engines", "engines", cfg.Worker.Engines, "script", cfg.Worker.Script)

	bar := progressbar.NewOptions(cfg.Worker.Engines,
		progressbar.OptionSetDescription("🚀 Loading face models"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	pool, err := worker.NewPool(ctx, cfg.Worker.Engines, spawn, logger, func(int) {
		_ = bar.Add(1)
	})
	_ = bar.Finish()
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	return pool, nil
}
