package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-timedflock/v1/lock"
	"github.com/mirkobrombin/go-timedflock/v1/metrics"
	"github.com/mirkobrombin/go-timedflock/v1/syncbus"
)

const (
	envLogLevel  = "TIMEDFLOCK_LOG_LEVEL"
	envNATSURL   = "TIMEDFLOCK_NATS_URL"
	envRedisAddr = "TIMEDFLOCK_REDIS_ADDR"
)

// app holds the global flags and the resources built from them.
type app struct {
	logLevel    string
	metricsAddr string
	trace       bool
	natsURL     string
	redisAddr   string

	logger  *slog.Logger
	bus     syncbus.Bus
	closers []func(context.Context) error
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (a *app) setup(cmd *cobra.Command) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(a.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q", a.logLevel)
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(a.logger)

	if a.metricsAddr != "" {
		if err := a.serveMetrics(); err != nil {
			return err
		}
	}
	if a.trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cmd.ErrOrStderr()))
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		otel.SetTracerProvider(tp)
		a.closers = append(a.closers, tp.Shutdown)
	}
	return a.connectBus()
}

func (a *app) serveMetrics() error {
	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	ln, err := net.Listen("tcp", a.metricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("timedflock: metrics server stopped", "error", err)
		}
	}()
	a.closers = append(a.closers, srv.Shutdown)
	return nil
}

func (a *app) connectBus() error {
	switch {
	case a.natsURL != "" && a.redisAddr != "":
		return errors.New("--nats and --redis are mutually exclusive")
	case a.natsURL != "":
		nc, err := nats.Connect(a.natsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.bus = syncbus.NewNATSBus(nc)
		a.closers = append(a.closers, func(context.Context) error { nc.Close(); return nil })
	case a.redisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: a.redisAddr})
		b := syncbus.NewRedisBus(client)
		a.bus = b
		a.closers = append(a.closers, func(context.Context) error {
			_ = b.Close()
			return client.Close()
		})
	}
	return nil
}

// lockOptions returns the options every lock created by the CLI shares.
func (a *app) lockOptions() []lock.Option {
	opts := []lock.Option{lock.WithLogger(a.logger), lock.WithWorkerLogLevel(a.logLevel)}
	if a.bus != nil {
		opts = append(opts, lock.WithBus(a.bus))
	}
	if a.trace {
		opts = append(opts, lock.WithTracing())
	}
	return opts
}

func (a *app) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
