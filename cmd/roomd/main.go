// Command roomd runs the room-occupancy pipeline: it connects to an
// MQTT broker, tracks BLE presence beacons per device, and publishes
// Home Assistant occupancy sensors per room.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/presence-solutions/roomd/internal/buildinfo"
	"github.com/presence-solutions/roomd/internal/config"
	"github.com/presence-solutions/roomd/internal/coreevents"
	"github.com/presence-solutions/roomd/internal/events"
	"github.com/presence-solutions/roomd/internal/heartbeat"
	"github.com/presence-solutions/roomd/internal/learning"
	"github.com/presence-solutions/roomd/internal/mqttlink"
	"github.com/presence-solutions/roomd/internal/occupancy"
	"github.com/presence-solutions/roomd/internal/predict"
	"github.com/presence-solutions/roomd/internal/repository"
	"github.com/presence-solutions/roomd/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dataDir := flag.String("data", "./data", "directory for the sqlite database and instance id")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting roomd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

	if !cfg.MQTT.Configured() {
		logger.Error("mqtt.broker_url is not configured")
		os.Exit(1)
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", *dataDir, "error", err)
		os.Exit(1)
	}

	instanceID, err := mqttlink.LoadOrCreateInstanceID(*dataDir)
	if err != nil {
		logger.Error("failed to load instance id", "error", err)
		os.Exit(1)
	}

	pool := workerpool.New(0)
	bus := events.New(pool, logger)

	dbPath := cfg.Database.DatabasePath()
	if dbPath != ":memory:" {
		dbPath = filepath.Join(*dataDir, filepath.Base(dbPath))
	}
	repo, err := repository.Open(dbPath, bus)
	if err != nil {
		logger.Error("failed to open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("database opened", "path", dbPath)

	adapter := mqttlink.New(cfg.MQTT, instanceID, bus, logger)

	heartbeatEngine := heartbeat.New(repo, bus, cfg.Tunables, logger)
	recorder := learning.New(repo, bus, logger)
	predictor := predict.New(repo, bus, pool, logger)
	sensor := occupancy.New(repo, bus, adapter, instanceID, cfg.Tunables, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := heartbeatEngine.Start(ctx); err != nil {
		logger.Error("failed to start heartbeat engine", "error", err)
		os.Exit(1)
	}
	defer heartbeatEngine.Stop()

	if err := recorder.Start(ctx); err != nil {
		logger.Error("failed to start learning recorder", "error", err)
		os.Exit(1)
	}
	defer recorder.Stop()

	if err := predictor.Start(ctx); err != nil {
		logger.Error("failed to start predictor", "error", err)
		os.Exit(1)
	}
	defer predictor.Stop()

	if err := sensor.Start(ctx); err != nil {
		logger.Error("failed to start occupancy sensor", "error", err)
		os.Exit(1)
	}
	defer sensor.Stop()

	if err := replayExisting(ctx, repo, bus); err != nil {
		logger.Error("failed to replay existing devices/rooms", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = adapter.Disconnect(context.Background())
	}()

	logger.Info("roomd ready", "broker", cfg.MQTT.BrokerURL, "scan_topic", cfg.MQTT.ScanTopic)
	if err := adapter.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("mqtt adapter failed", "error", err)
		os.Exit(1)
	}

	logger.Info("roomd stopped")
}

// replayExisting publishes synthetic DeviceAddedEvent/RoomAddedEvent
// for everything already in the repository, so that subscribers see
// existing Devices and Rooms as they would a live repository mutation.
// The heartbeat engine, predictor and occupancy sensor also list the
// repository in their own Start methods.
func replayExisting(ctx context.Context, repo repository.Repository, bus *events.Bus) error {
	devices, err := repo.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if err := bus.Publish(ctx, coreevents.DeviceAddedEvent{Device: d}); err != nil {
			return err
		}
	}

	rooms, err := repo.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	for _, r := range rooms {
		if err := bus.Publish(ctx, coreevents.RoomAddedEvent{Room: r}); err != nil {
			return err
		}
	}

	return nil
}
