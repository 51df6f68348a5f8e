package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/iot-sensors/config"
	"github.com/mjasion/balena-home/iot-sensors/dashboard"
	"github.com/mjasion/balena-home/iot-sensors/notify"
	"github.com/mjasion/balena-home/iot-sensors/pkg/buffer"
	pkgmetrics "github.com/mjasion/balena-home/iot-sensors/pkg/metrics"
	"github.com/mjasion/balena-home/iot-sensors/pkg/profiling"
	"github.com/mjasion/balena-home/iot-sensors/pkg/telemetry"
	"github.com/mjasion/balena-home/iot-sensors/pkg/types"
	"github.com/mjasion/balena-home/iot-sensors/poller"
	"github.com/mjasion/balena-home/iot-sensors/sensor"
	"github.com/mjasion/balena-home/iot-sensors/server"
	"github.com/mjasion/balena-home/iot-sensors/settings"
)

const recentNotifications = 50

func main() {
	// Parse command-line flags
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	logger, err := cfg.NewLogger()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Loading configuration", zap.String("path", *configPath))
	cfg.PrintConfig(logger)

	// Initialize Pyroscope profiling
	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		logger.Fatal("Failed to initialize profiler", zap.Error(err))
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("Error shutting down profiler", zap.Error(err))
		}
	}()

	// Set up context for graceful shutdown
	appCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize OpenTelemetry providers
	otelProviders, err := telemetry.InitProviders(appCtx, &cfg.OpenTelemetry, logger)
	if err != nil {
		logger.Fatal("Failed to initialize OpenTelemetry providers", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down OpenTelemetry providers", zap.Error(err))
		}
	}()

	// Sensor API client
	client, err := sensor.New(cfg.SensorConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to create sensor client", zap.Error(err))
	}

	// Settings store
	db, err := settings.Open(cfg.Settings.DBPath)
	if err != nil {
		logger.Fatal("Failed to open settings database", zap.Error(err), zap.String("path", cfg.Settings.DBPath))
	}
	defer db.Close()

	// Notifications: log, in-memory history, live sockets and optionally MQTT
	hub := server.NewHub(logger)
	recent := notify.NewRecent(recentNotifications)
	sinks := notify.Fanout{notify.NewLogNotifier(logger), recent, hub}
	if cfg.MQTT.Enabled {
		mqttClient, err := notify.Connect(notify.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, logger)
		if err != nil {
			logger.Error("MQTT unavailable, notifications stay local", zap.Error(err))
		} else {
			defer mqttClient.Disconnect(250)
			sinks = append(sinks, notify.NewMQTTNotifier(mqttClient, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, logger))
		}
	}
	gate := notify.NewGate(sinks)

	// Dashboard
	readings := buffer.NewKeyed(cfg.Prometheus.BufferSize, (*types.Reading).Key, logger)
	dash := dashboard.New(client, dashboard.Options{
		Store:    settings.NewStore(db),
		Notifier: gate,
		Gate:     gate,
		Readings: readings,
	}, logger)
	dash.OnUpdate(hub.PublishView)

	if _, err := dash.LoadSettings(appCtx); err != nil {
		logger.Warn("Continuing with configured settings", zap.Error(err))
	}

	// Refresh loop follows every settings change
	poll := poller.New(dash, client.Config().RefreshInterval, cfg.ResumeDelay(), logger)
	client.OnConfigChange(poll.OnConfigChange)

	var warmer *poller.Warmer
	if cfg.Polling.WarmSchedule != "" {
		warmer, err = poller.NewWarmer(client, cfg.Polling.WarmSchedule, cfg.Polling.HistoryLimit, cfg.Polling.StatsPeriods, logger)
		if err != nil {
			logger.Fatal("Failed to create cache warmer", zap.Error(err))
		}
	}

	deps := server.Deps{
		Dashboard:     dash,
		Lifecycle:     poll,
		Notifications: recent,
		Hub:           hub,
		Readings:      readings,
	}

	var pusher *pkgmetrics.Pusher
	if cfg.Prometheus.Enabled {
		pusher = pkgmetrics.New(pkgmetrics.Config{
			URL:               cfg.Prometheus.URL,
			Username:          cfg.Prometheus.Username,
			Password:          cfg.Prometheus.Password,
			PushInterval:      time.Duration(cfg.Prometheus.PushIntervalSeconds) * time.Second,
			BatchSize:         cfg.Prometheus.BatchSize,
			TimeSeriesBuilder: pkgmetrics.BuildSensorTimeSeries,
		}, readings, logger)
		deps.Pusher = pusher
	}

	httpServer := server.New(deps, server.Options{
		Port:         cfg.HTTP.Port,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
		PushInterval: time.Duration(cfg.Prometheus.PushIntervalSeconds) * time.Second,
	}, logger)

	logger.Info("Components initialized successfully",
		zap.String("apiUrl", client.Config().BaseURL),
		zap.Duration("refreshInterval", client.Config().RefreshInterval),
		zap.Bool("mqtt", cfg.MQTT.Enabled),
		zap.Bool("prometheus", cfg.Prometheus.Enabled))

	// Start background workers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error("HTTP server error", zap.Error(err))
			cancel()
		}
	}()
	go poll.Start(appCtx)
	if warmer != nil {
		go warmer.Start(appCtx)
	}
	pushDone := make(chan struct{})
	if pusher != nil {
		go func() {
			defer close(pushDone)
			pusher.Start(appCtx)
		}()
	} else {
		close(pushDone)
	}

	// First load, like opening the page
	go func() {
		if _, err := dash.LoadDashboard(appCtx); err != nil {
			logger.Warn("Initial dashboard load failed", zap.Error(err))
		}
	}()

	logger.Info("Service started", zap.Int("httpPort", cfg.HTTP.Port))

	<-appCtx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", zap.Error(err))
	}
	// the pusher flushes what is left in the buffer before returning
	<-pushDone

	logger.Info("Shutdown complete")
}
