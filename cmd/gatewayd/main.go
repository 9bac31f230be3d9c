// Command gatewayd connects a bot to the gateway, logs every client
// notification, and serves Prometheus metrics.
package main

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

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bluequeen/discordgw"
)

type config struct {
	Token       string     `env:"DISCORD_TOKEN,required,unset"`
	APIBase     string     `env:"DISCORD_API_BASE" envDefault:"https://discordapp.com/api"`
	LogLevel    slog.Level `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr string     `env:"METRICS_ADDR" envDefault:":9464"`
}

var notifications = []string{
	discordgw.NotifyReady,
	discordgw.NotifyAvailable,
	discordgw.NotifyUnavailable,
	discordgw.NotifyMessage,
	discordgw.NotifyMention,
	discordgw.NotifyHeartbeat,
	discordgw.NotifyClose,
	discordgw.NotifyError,
	discordgw.NotifyReconnecting,
	discordgw.NotifyReconnectMax,
}

func main() {
	if err := run(); err != nil {
		slog.Error("gatewayd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := discordgw.New(discordgw.Config{
		Token:      cfg.Token,
		Gateway:    discordgw.NewRESTResolver(cfg.APIBase, cfg.Token),
		Registerer: reg,
	})
	if err != nil {
		return err
	}
	for _, name := range notifications {
		client.On(name, logNotification)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("serving metrics", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		err := client.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func logNotification(n discordgw.Notification) {
	switch n.Name {
	case discordgw.NotifyHeartbeat:
		slog.Debug("heartbeat", "at", n.Time)
	case discordgw.NotifyError, discordgw.NotifyClose:
		slog.Warn(n.Name, "event", n.Event, "error", n.Err)
	case discordgw.NotifyReconnectMax:
		slog.Error("reconnect budget exhausted", "error", n.Err)
	case discordgw.NotifyAvailable, discordgw.NotifyUnavailable:
		slog.Info(n.Name, "guild", n.GuildID)
	case discordgw.NotifyReady:
		slog.Info("ready", "guilds", len(n.Next.Guilds))
	default:
		slog.Info(n.Name, "event", n.Event)
	}
}
