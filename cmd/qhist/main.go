// Qhist - Q-series PLC data collector
//
// Polls Mitsubishi Q-series PLCs over MC protocol, buffers readings,
// persists them to the Oracle historian with CSV failover, and feeds
// live monitors over WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plantops/qhist/api"
	"github.com/plantops/qhist/config"
	"github.com/plantops/qhist/engine"
	"github.com/plantops/qhist/historian"
	"github.com/plantops/qhist/metrics"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", "qhist.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	noAutoStart := flag.Bool("no-autostart", false, "Leave polling groups stopped at boot")
	flag.Parse()

	if *showVersion {
		fmt.Printf("qhist %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)
	log.Info("qhist starting", "version", Version, "config", *configPath)

	store, err := historian.Open(cfg.Oracle)
	if err != nil {
		log.Error("historian unavailable", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	col := metrics.New()
	if err := col.Register(reg); err != nil {
		log.Error("registering metrics", "error", err)
		os.Exit(1)
	}

	eng := engine.New(cfg, engine.Options{
		Store:      store,
		Collectors: col,
		Log:        log,
	})
	if err := eng.Initialize(); err != nil {
		log.Error("engine initialization failed", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		log.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	if !*noAutoStart {
		if err := eng.StartAll(); err != nil {
			log.Warn("not all groups started", "error", err)
		}
	}

	var server *api.Server
	if cfg.API.Enabled {
		router := api.NewRouter(api.Routes{
			Engine:    eng,
			Monitor:   eng.MonitorHub(),
			Equipment: eng.StatusHub(),
			Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			AuthToken: cfg.API.AuthToken,
			Log:       log,
		})
		server = api.NewServer(cfg.API, router, log)
		if err := server.Start(); err != nil {
			log.Error("api server failed to start", "error", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("signal received, shutting down", "signal", s)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Stop(ctx); err != nil {
			log.Warn("api shutdown", "error", err)
		}
	}
	eng.Shutdown(ctx)
	log.Info("qhist stopped")
}

// newLogger builds the process logger from the configured level and
// format.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h)
}
