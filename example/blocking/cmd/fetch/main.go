package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kroma-labs/courier-go/example/blocking/internal/config"
	"github.com/kroma-labs/courier-go/httpclient"
	"github.com/kroma-labs/courier-go/httpclient/blocking"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	// 1. Load client settings, e.g. COURIER_TIMEOUT=5s COURIER_MAX_REDIRECTS=3
	cfg, err := httpclient.ConfigFromEnv(config.EnvPrefix)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load client config")
	}

	// 2. Create the blocking client
	client := blocking.New(
		httpclient.WithConfig(cfg),
		httpclient.WithBaseURL(config.DefaultBaseURL),
		httpclient.WithServiceName(config.ServiceName),
		httpclient.WithLogger(logger),
		httpclient.WithDebug(os.Getenv("COURIER_DEBUG") == "true"),
	)

	// 3. Expose connection pool metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		client.Inner().PoolCollector("courier"),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: config.MetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", config.MetricsPort).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(config.OperationInterval) * time.Second)
	defer ticker.Stop()

	fmt.Println("Blocking client example started")
	fmt.Printf("Prometheus metrics: http://localhost%s/metrics\n", config.MetricsPort)
	fmt.Println("Press Ctrl+C to stop...")

	for {
		select {
		case <-ticker.C:
			fetch(logger, client)

		case <-sigChan:
			fmt.Println("\nShutting down...")
			if err := client.Close(); err != nil {
				logger.Error().Err(err).Msg("client close")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown")
			}
			return
		}
	}
}

func fetch(logger zerolog.Logger, client *blocking.Client) {
	rb := client.Request("FetchRedirected")
	rb.Path(config.DefaultFetchPath).Header("Accept", "application/json")

	resp, err := rb.Send()
	if err != nil {
		var e *httpclient.Error
		if errors.As(err, &e) {
			logger.Warn().Str("kind", e.Kind.String()).Strs("redirects", e.Redirects).Err(err).Msg("fetch failed")
			return
		}
		logger.Warn().Err(err).Msg("fetch failed")
		return
	}
	defer resp.Close()

	data, err := resp.Bytes()
	if err != nil {
		logger.Warn().Err(err).Msg("read body")
		return
	}

	stats := client.Inner().PoolStats()
	logger.Info().
		Int("status", resp.StatusCode).
		Str("url", resp.URL().String()).
		Int("redirects", len(resp.Redirects())).
		Int("bytes", len(data)).
		Float64("pool_hit_ratio", stats.HitRatio()).
		Msg("fetched")
}
