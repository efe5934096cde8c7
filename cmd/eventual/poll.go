package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/eventual/pkg/offline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	pollInterval    time.Duration
	pollUntilEmpty  bool
	pollMetricsPort int
)

var queuePollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Replay the queue periodically until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runQueuePoll,
}

func init() {
	queuePollCmd.Flags().DurationVar(&pollInterval, "interval", 0,
		"Poll interval (overrides queue.poll_interval)")
	queuePollCmd.Flags().BoolVar(&pollUntilEmpty, "until-empty", false,
		"Exit once the queue is empty")
	queuePollCmd.Flags().IntVar(&pollMetricsPort, "metrics-port", 0,
		"Serve Prometheus metrics on this port (overrides queue.metrics_port)")
}

func runQueuePoll(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	interval := pollInterval
	if interval <= 0 {
		interval = time.Duration(cfg.Queue.PollInterval)
	}
	port := pollMetricsPort
	if port == 0 {
		port = cfg.Queue.MetricsPort
	}

	q, closeQueue, err := openQueue()
	if err != nil {
		return err
	}
	defer closeQueue()

	var wg sync.WaitGroup
	if port > 0 {
		reg := prometheus.NewRegistry()
		reg.MustRegister(offline.Collectors()...)
		startWorker(ctx, &wg, "metrics", func(ctx context.Context) {
			serveMetrics(ctx, port, reg)
		})
	}

	q.Poll(interval)
	slog.Info("polling offline queue", "component", "cli", "key", q.Key(), "interval", interval)

	if pollUntilEmpty {
		waitEmpty(ctx, q, interval)
		cancel()
	}
	<-ctx.Done()

	q.StopPoll()
	q.WaitIdle()
	wg.Wait()

	n, err := q.Length(context.Background())
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped polling, %d mutations remaining\n", n)
	return nil
}

// waitEmpty returns once q is empty or ctx is done.
func waitEmpty(ctx context.Context, q *offline.Queue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := q.Length(ctx); err == nil && n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func serveMetrics(ctx context.Context, port int, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server starting", "component", "cli", "address", srv.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "component", "cli", "error", err)
	}
}
