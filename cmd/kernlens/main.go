package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rxtx-hosting/kernlens/internal/agent"
	"github.com/rxtx-hosting/kernlens/internal/config"
	"github.com/rxtx-hosting/kernlens/pkg/docker"
	"github.com/rxtx-hosting/kernlens/pkg/exporter"
	"github.com/rxtx-hosting/kernlens/pkg/flowsummary"
)

var (
	configPath = flag.String("config", "/etc/kernlens/config.yaml", "Path to configuration file")
	logLevel   = flag.String("log-level", "", "Log level (overrides config)")
	pinPath    = flag.String("ringbuf", "", "Pinned ring buffer path (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *pinPath != "" {
		cfg.RingBufferPin = *pinPath
	}

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))

	slog.Info("Starting kernlens", "ring_buffer", cfg.RingBufferPin, "netdiag", cfg.NetDiag)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize agent: %v", err)
	}
	defer a.Close()
	a.Start(ctx)

	view := a.View()

	var resolver *docker.Resolver
	var ports flowsummary.PortResolver
	if cfg.DockerEnabled {
		dockerClient, err := docker.NewClient(cfg.DockerLabels, cfg.ServerIDSource, cfg.PortEnvVar)
		if err != nil {
			log.Fatalf("Failed to initialize Docker client: %v", err)
		}
		defer dockerClient.Close()

		resolver, err = docker.NewResolver(dockerClient, cfg.ProcRoot)
		if err != nil {
			log.Fatalf("Failed to initialize container resolver: %v", err)
		}
		ports = resolver
		view.Containers = resolver
	}

	summarizer, err := flowsummary.NewSummarizer(flowsummary.Config{
		ActivityWindow: cfg.ActivityWindow,
		MinPackets:     cfg.MinPackets,
		MinBytes:       cfg.MinBytes,
	}, ports, cfg.ProcRoot)
	if err != nil {
		log.Fatalf("Failed to initialize flow summarizer: %v", err)
	}

	apiServer := exporter.NewAPIServer(cfg.APIKey, view)

	go func() {
		slog.Info("Starting API server", "address", cfg.ServerAddr)
		if err := apiServer.StartServer(cfg.ServerAddr); err != nil {
			log.Fatalf("Failed to start API server: %v", err)
		}
	}()

	var promExporter *exporter.PrometheusExporter
	if cfg.PrometheusAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promExporter = exporter.NewPrometheusExporter(reg)
		go func() {
			slog.Info("Starting Prometheus server", "address", cfg.PrometheusAddr)
			if err := promExporter.StartServer(cfg.PrometheusAddr); err != nil {
				log.Fatalf("Failed to start Prometheus server: %v", err)
			}
		}()
	}

	discovery := make(<-chan time.Time)
	if resolver != nil {
		discoveryTicker := time.NewTicker(cfg.DiscoveryInterval)
		defer discoveryTicker.Stop()
		discovery = discoveryTicker.C
	}

	metricsTicker := time.NewTicker(cfg.MetricsInterval)
	defer metricsTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("kernlens started successfully")

	for {
		select {
		case <-sigCh:
			slog.Info("Received shutdown signal, cleaning up...")
			return

		case <-discovery:
			n, err := resolver.Refresh(ctx)
			if err != nil {
				slog.Error("Error discovering containers", "error", err)
				continue
			}
			slog.Info("Discovered containers", "count", n)

		case <-metricsTicker.C:
			summaries := summarizer.Summarize(a.Network.Flows())
			stats := a.EventStats()
			slog.Info("Summarized flows", "ports", len(summaries), "events_sent", stats.Sent, "events_dropped", stats.Dropped)

			apiServer.UpdatePorts(summaries)
			if promExporter != nil {
				promExporter.UpdatePorts(summaries)
				promExporter.UpdateView(view)
			}
		}
	}
}
