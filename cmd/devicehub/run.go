package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"devicehub/internal/api"
	"devicehub/internal/clock"
	"devicehub/internal/coordinator"
	"devicehub/internal/device"
	"devicehub/internal/flow"
	"devicehub/internal/integration"
	"devicehub/internal/mqtt"
	"devicehub/internal/platform"
	_ "devicehub/internal/platform/light"
	_ "devicehub/internal/platform/sensor"
)

func runService(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting devicehub",
		zap.String("version", version),
		zap.String("entries_file", cfg.EntriesFile),
		zap.Bool("mqtt", cfg.MQTT.Enabled))

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	metrics := coordinator.NewMetrics()
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "devicehub_build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"version": version},
	}, func() float64 { return 1 }))

	var writers platform.MultiWriter

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		topics := mqtt.Topics{DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix, Base: cfg.MQTT.BaseTopic}
		mqttClient = mqtt.NewClient(cfg.MQTT, topics.Status(), logger)
		publisher := mqtt.NewPublisher(mqttClient, topics, logger)
		mqttClient.SetOnConnect(publisher.Republish)
		if err := mqttClient.Connect(); err != nil {
			return err
		}
		defer mqttClient.Disconnect()
		writers = append(writers, publisher)
	}

	factory := device.NewFactory(logger)
	integ := integration.NewManager(store, integration.Deps{
		NewClient: factory,
		Writer:    writers,
		Clock:     clock.NewRealClock(),
		Metrics:   metrics,
		Settings: integration.Settings{
			RequestTimeout: cfg.Coordinator.RequestTimeout,
			AlwaysUpdate:   cfg.Coordinator.AlwaysUpdate,
		},
		Logger: logger,
	})
	flows := flow.NewManager(integration.Domain, store, factory, logger)
	flows.SetHooks(integ)
	integ.SetReauthStarter(flows)

	integ.SetupAll(ctx)

	server := api.NewServer(store, integ, flows, registry, logger, cfg.HTTP.Port)
	if err := server.Start(); err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("devicehub running. Press Ctrl+C to exit.")
	<-sigCtx.Done()

	logger.Info("Shutting down gracefully...")
	if err := server.Stop(); err != nil {
		logger.Warn("HTTP server did not stop cleanly", zap.Error(err))
	}
	integ.Shutdown()
	return nil
}
