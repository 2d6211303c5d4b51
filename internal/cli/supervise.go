package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vietddude/settler/internal/core/config"
	"github.com/vietddude/settler/internal/supervisor"
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run the worker pool under the process supervisor (default)",
	Run:   runSupervise,
}

func init() {
	rootCmd.AddCommand(superviseCmd)
}

func runSupervise(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	sc := cfg.Supervisor

	workerArgs := []string{"worker", "--config", cfgPath}
	if isDebug {
		workerArgs = append(workerArgs, "--debug")
	}
	spawner, err := supervisor.NewSelfSpawner(workerArgs...)
	if err != nil {
		fatal("Failed to resolve worker binary", err)
	}

	var sampler supervisor.LoadSampler
	if ps, err := supervisor.NewProcSampler(); err != nil {
		slog.Warn("CPU load sampling unavailable, autoscaling disabled", "error", err)
	} else {
		sampler = ps
	}

	sup := supervisor.New(supervisor.Config{
		MaxWorkers:       sc.MaxWorkers,
		InitialWorkers:   sc.InitialWorkers,
		RestartDelay:     sc.RestartDelay,
		RestartWindow:    sc.RestartWindow,
		RestartThreshold: sc.RestartThreshold,
		ScaleInterval:    sc.ScaleInterval,
		ScaleUpLoad:      sc.ScaleUpLoad,
		ScaleDownLoad:    sc.ScaleDownLoad,
		LoadWindow:       sc.LoadWindow,
		ShutdownTimeout:  sc.ShutdownTimeout,
	}, spawner, sampler, alertSink(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sc.MetricsPort > 0 {
		srv := serveMetrics(sc.MetricsPort)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("Supervisor started", "config", cfgPath, "pid", os.Getpid())
	if err := sup.Run(ctx); err != nil {
		fatal("Supervisor failed", err)
	}
	slog.Info("Supervisor stopped gracefully")
}

func alertSink(cfg *config.AppConfig) supervisor.AlertSink {
	sinks := supervisor.MultiSink{supervisor.NewLogSink(slog.Default())}
	if cfg.Alerts.WebhookURL != "" {
		sinks = append(sinks, supervisor.NewWebhookSink(cfg.Alerts.WebhookURL, cfg.Alerts.Timeout))
	}
	return sinks
}

func serveMetrics(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Supervisor metrics server failed", "error", err)
		}
	}()
	return srv
}
