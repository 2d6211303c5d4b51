package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vietddude/settler/internal/control"
	"github.com/vietddude/settler/internal/supervisor"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a single worker process (queue consumer and API)",
	Run:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	log := slog.Default().With("slot", os.Getenv(supervisor.SlotEnv), "pid", os.Getpid())
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewWorker(ctx, cfg)
	if err != nil {
		fatal("Failed to initialize worker", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		fatal("Failed to start worker", err)
	}
	slog.Info("Worker started", "port", cfg.Server.Port)

	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
	case err := <-app.Err():
		slog.Error("Worker failed, shutting down", "error", err)
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		exitCode = 1
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	slog.Info("Worker stopped gracefully")
}
