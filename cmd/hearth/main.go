// Hearth Core - the real-time heart of the home automation hub.
//
// This process owns the hot path: MQTT ingest into the state store,
// automation evaluation, scene playback, realtime fan-out to WebSocket
// clients, and the cloud bridge. Everything else (CRUD surfaces, UIs)
// lives in other processes and talks to this one over MQTT and HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	_ "github.com/nerrad567/hearth-core/migrations"

	"github.com/nerrad567/hearth-core/internal/api"
	"github.com/nerrad567/hearth-core/internal/astro"
	"github.com/nerrad567/hearth-core/internal/automation"
	"github.com/nerrad567/hearth-core/internal/bridge"
	"github.com/nerrad567/hearth-core/internal/device"
	"github.com/nerrad567/hearth-core/internal/infrastructure/config"
	"github.com/nerrad567/hearth-core/internal/infrastructure/database"
	"github.com/nerrad567/hearth-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/hearth-core/internal/infrastructure/logging"
	"github.com/nerrad567/hearth-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/hearth-core/internal/ingest"
	"github.com/nerrad567/hearth-core/internal/realtime"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error lets main handle exit codes
// consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Hearth Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// ── Storage ─────────────────────────────────────────────────────────

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// ── State store ─────────────────────────────────────────────────────

	deviceRepo := device.NewSQLiteRepository(db.DB)
	store := device.NewStore(deviceRepo)
	store.SetLogger(log)

	if warmErr := store.Warm(ctx); warmErr != nil {
		return fmt.Errorf("warming state store: %w", warmErr)
	}
	log.Info("state store warmed",
		"devices", store.DeviceCount(),
		"entities", store.EntityCount(),
	)

	// ── MQTT ────────────────────────────────────────────────────────────

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	qos := byte(cfg.MQTT.QoS)
	controller := device.NewController(store, mqttClient, qos)
	controller.SetLogger(log)

	// ── State history (optional) ────────────────────────────────────────

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled, state history off")
	}

	// ── Automation ──────────────────────────────────────────────────────

	ruleRepo := automation.NewSQLiteRepository(db.DB)
	scenes := automation.NewSceneExecutor(ruleRepo, controller, log)

	// Sun triggers need coordinates; a site at (0, 0) in the config is
	// treated as "not configured" and disables them.
	var sun automation.SunTimes
	if cfg.Site.Location.Latitude != 0 || cfg.Site.Location.Longitude != 0 {
		calc, calcErr := astro.NewCalculator(cfg.Site.Location.Latitude, cfg.Site.Location.Longitude)
		if calcErr != nil {
			return fmt.Errorf("creating sun calculator: %w", calcErr)
		}
		sun = calc
	} else {
		log.Warn("site coordinates not configured, sun triggers disabled")
	}

	engine := automation.NewEngine(ruleRepo, store, controller, scenes, sun, cfg.Timezone(), log)
	engine.SetRateLimit(cfg.Automation.MaxExecutionsPerMinute)
	// Cancelled ctx aborts pending action delays, so this drain is short.
	defer engine.Wait()
	log.Info("automation engine ready",
		"timezone", cfg.Site.Timezone,
		"rate_limit", cfg.Automation.MaxExecutionsPerMinute,
	)

	// ── Realtime hub ────────────────────────────────────────────────────

	hub := realtime.NewHub(cfg.Realtime, log)
	go hub.Run(ctx)

	scenes.SetNotifier(func(homeID, sceneID, name string, executed int) {
		hub.Broadcast(homeID, realtime.EventSceneActivated, map[string]any{
			"scene_id": sceneID,
			"name":     name,
			"executed": executed,
		})
	})

	// ── Cloud bridge (optional) ─────────────────────────────────────────

	var bridgeClient *bridge.Client
	if cfg.Bridge.Enabled {
		bridgeClient = bridge.New(cfg.Bridge, cfg.Site.ID, store, controller, scenes, log)
		go bridgeClient.Run(ctx)
		log.Info("cloud bridge starting", "url", cfg.Bridge.URL)
	} else {
		log.Info("cloud bridge disabled")
	}

	// ── Change fan-out ──────────────────────────────────────────────────
	//
	// Callbacks run on ingest worker goroutines. Fan-out comes first and
	// never blocks: hub and bridge drop slow consumers, influx batches
	// asynchronously. Engine evaluation follows; a fired rule's actions
	// (including per-action delays) run on their own goroutine, so a
	// delayed action never stalls the worker's shard.

	store.OnStateChange(func(change device.StateChange) {
		hub.Broadcast(change.HomeID, realtime.EventEntityState, map[string]any{
			"entity_id":  change.EntityID,
			"device_id":  change.DeviceID,
			"kind":       string(change.EntityKind),
			"name":       change.EntityName,
			"state":      change.NewState,
			"changed":    change.ChangedKeys,
			"online":     change.Online,
			"new_device": change.IsNewDevice,
			"new_entity": change.IsNewEntity,
		})

		if bridgeClient != nil {
			bridgeClient.OnStateChange(change)
		}

		if influxClient != nil {
			for _, key := range change.ChangedKeys {
				influxClient.WriteEntityState(change.HomeID, change.EntityID,
					string(change.EntityKind), key, change.NewState[key])
			}
		}

		for _, key := range change.ChangedKeys {
			engine.OnEntityChanged(ctx, change.EntityID, key, change.NewState[key])
		}
	})

	store.OnStatusChange(func(change device.StatusChange) {
		hub.Broadcast(change.HomeID, realtime.EventDeviceStatus, map[string]any{
			"device_id": change.DeviceID,
			"node":      change.NodeName,
			"online":    change.Online,
		})

		if influxClient != nil {
			influxClient.WriteDeviceStatus(change.HomeID, change.DeviceID, change.Online)
		}
	})

	// ── Ingest ──────────────────────────────────────────────────────────

	ingestSvc := ingest.NewService(store, mqttClient, qos, log)
	if startErr := ingestSvc.Start(ctx); startErr != nil {
		return fmt.Errorf("starting ingest: %w", startErr)
	}
	defer func() {
		log.Info("stopping ingest")
		ingestSvc.Stop()
	}()
	log.Info("ingest started")

	// ── Scheduler ───────────────────────────────────────────────────────

	scheduler := cron.New()

	// Clock triggers are minute-grained.
	if _, cronErr := scheduler.AddFunc("* * * * *", func() {
		engine.Tick(ctx, time.Now())
	}); cronErr != nil {
		return fmt.Errorf("scheduling engine tick: %w", cronErr)
	}

	sweepEvery := time.Duration(cfg.Health.SweepInterval) * time.Second
	offlineAfter := time.Duration(cfg.Health.OfflineThreshold) * time.Second
	if _, cronErr := scheduler.AddFunc(fmt.Sprintf("@every %ds", cfg.Health.SweepInterval), func() {
		flipped, sweepErr := store.MarkStaleOffline(ctx, offlineAfter)
		if sweepErr != nil {
			log.Error("stale sweep failed", "error", sweepErr)
			return
		}
		if flipped > 0 {
			log.Info("stale sweep marked devices offline", "count", flipped)
		}
	}); cronErr != nil {
		return fmt.Errorf("scheduling stale sweep: %w", cronErr)
	}

	scheduler.Start()
	defer scheduler.Stop()
	log.Info("scheduler started",
		"sweep_interval", sweepEvery,
		"offline_threshold", offlineAfter,
	)

	// ── HTTP ────────────────────────────────────────────────────────────

	apiServer, err := api.New(api.Deps{
		Config:    cfg.API,
		Logger:    log,
		Inventory: store,
		Hub:       hub,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, scheduler, ingest, InfluxDB (if enabled), MQTT, database.

	log.Info("Hearth Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses HEARTH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HEARTH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when state history is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
