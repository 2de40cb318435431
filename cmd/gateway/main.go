// Gateway - building-automation protocol gateway
//
// The gateway normalises an audio DSP (Q-SYS QRC) and a home-automation
// controller (Gira X1 IoT REST API) into one asset/control model, pushes
// live state to UI clients over a WebSocket and routes their commands back
// to the right device.
//
// Usage:
//
//	gateway                              run the gateway
//	gateway token -sub NAME -role ROLE   print a bearer token for the HTTP API
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/adapter"
	"github.com/nerrad567/gray-logic-gateway/internal/api"
	"github.com/nerrad567/gray-logic-gateway/internal/asset"
	"github.com/nerrad567/gray-logic-gateway/internal/audit"
	"github.com/nerrad567/gray-logic-gateway/internal/auth"
	"github.com/nerrad567/gray-logic-gateway/internal/bridges/gira"
	"github.com/nerrad567/gray-logic-gateway/internal/bridges/qsys"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-gateway/internal/mirror"
	"github.com/nerrad567/gray-logic-gateway/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// auditQueueSize bounds audit entries waiting for the database.
const auditQueueSize = 256

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"site", cfg.Site.ID,
		"level", cfg.Logging.Level,
	)

	// Audit trail
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
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo, auditQueueSize)
	recorder.SetLogger(log.With("component", "audit"))
	// The recorder outlives ctx so entries queued during shutdown reach
	// the database before it closes.
	recCtx, stopRecorder := context.WithCancel(context.Background())
	go recorder.Run(recCtx)
	defer func() {
		stopRecorder()
		<-recorder.Done()
	}()

	// Assets and adapters
	registry := asset.NewRegistry()
	registry.SetLogger(log.With("component", "assets"))
	manager := adapter.NewManager(registry)
	manager.SetLogger(log.With("component", "manager"))
	defer func() {
		log.Info("stopping adapters")
		if closeErr := manager.Close(); closeErr != nil {
			log.Error("error stopping adapters", "error", closeErr)
		}
	}()

	if err := registerAdapters(manager, cfg, log); err != nil {
		return err
	}

	if loadErr := manager.LoadAssets(cfg.Assets.Path); loadErr != nil {
		if !errors.Is(loadErr, fs.ErrNotExist) {
			return fmt.Errorf("loading asset document: %w", loadErr)
		}
		log.Warn("asset document not found, starting empty", "path", cfg.Assets.Path)
	}
	manager.ConnectAll(ctx)

	// Optional side channels
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
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
	} else {
		log.Info("MQTT disabled")
	}

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
		log.Info("InfluxDB disabled")
	}

	deps := api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Assets:    cfg.Assets,
		Logger:    log.With("component", "api"),
		Manager:   manager,
		AuditRepo: auditRepo,
		Recorder:  recorder,
		DB:        db,
		Version:   version,
	}

	if mqttClient != nil || influxClient != nil {
		m, startErr := startMirror(ctx, manager, mqttClient, influxClient, recorder, log)
		if startErr != nil {
			return startErr
		}
		defer m.Close()
		deps.Mirror = m
	}
	// Typed nil pointers must not reach the interface fields.
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	if influxClient != nil {
		deps.InfluxDB = influxClient
	}

	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal",
		"address", server.Addr(),
		"adapters", manager.Keys(),
		"assets", registry.Stats().String(),
	)

	<-ctx.Done()

	// Deferred calls run in reverse: API server, mirror, side channels,
	// adapters, audit recorder, database.
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// registerAdapters creates the enabled device clients.
func registerAdapters(manager *adapter.Manager, cfg *config.Config, log *logging.Logger) error {
	if q := cfg.Adapters.QSYS; q.Enabled {
		client := qsys.New(qsys.FromConfig(q))
		client.SetLogger(log.With("component", "qsys", "adapter", q.Key))
		if err := manager.RegisterAdapter(q.Key, client); err != nil {
			return fmt.Errorf("registering QSYS adapter: %w", err)
		}
	}
	if g := cfg.Adapters.Gira; g.Enabled {
		client := gira.New(gira.FromConfig(g))
		client.SetLogger(log.With("component", "gira", "adapter", g.Key))
		if err := manager.RegisterAdapter(g.Key, client); err != nil {
			return fmt.Errorf("registering Gira adapter: %w", err)
		}
	}
	if len(manager.Keys()) == 0 {
		log.Warn("no adapters enabled")
	}
	return nil
}

// startMirror connects the state stream to the enabled side channels.
func startMirror(ctx context.Context, manager *adapter.Manager, mqttClient *mqtt.Client, influxClient *influxdb.Client, recorder *audit.Recorder, log *logging.Logger) (*mirror.Mirror, error) {
	var (
		pub    mirror.Publisher
		points mirror.PointWriter
	)
	if mqttClient != nil {
		pub = mqttClient
	}
	if influxClient != nil {
		points = influxClient
	}

	m := mirror.New(mirror.Config{}, pub, points, manager)
	m.SetLogger(log.With("component", "mirror"))
	m.SetRecorder(recorder)
	if err := m.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting state mirror: %w", err)
	}

	cancel := manager.OnState(m.Handle)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return m, nil
}

// getConfigPath returns the configuration file path.
// Uses GATEWAY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// runToken prints a signed bearer token using security.jwt.secret.
func runToken(args []string, out io.Writer) error {
	fset := flag.NewFlagSet("token", flag.ContinueOnError)
	fset.SetOutput(out)
	subject := fset.String("sub", "", "token subject, recorded as the audit actor")
	role := fset.String("role", string(auth.RoleAdmin), "viewer, operator or admin")
	ttl := fset.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-sub is required")
	}
	if !auth.IsValidRole(auth.Role(*role)) {
		return fmt.Errorf("unknown role %q", *role)
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("security.jwt.secret is not set; the API accepts writes without a token")
	}

	token, err := auth.GenerateToken(*subject, auth.Role(*role), cfg.Security.JWT.Secret, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
