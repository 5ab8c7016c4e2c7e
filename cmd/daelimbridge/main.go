// Daelim Bridge - apartment smart-home gateway
//
// daelimbridge holds one authenticated session to a Daelim apartment
// complex server and exposes the unit's devices over MQTT, a REST and
// WebSocket API, and Prometheus metrics. Confirmed states are kept in
// SQLite and optionally written to InfluxDB.
//
// Usage:
//
//	daelimbridge                      run the bridge (config from DAELIM_CONFIG)
//	daelimbridge apartments           list live complexes from the vendor service
//	daelimbridge token -sub me -role operator
//	daelimbridge version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/daelim-bridge/internal/api"
	"github.com/nerrad567/daelim-bridge/internal/audit"
	"github.com/nerrad567/daelim-bridge/internal/auth"
	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
	"github.com/nerrad567/daelim-bridge/internal/device"
	"github.com/nerrad567/daelim-bridge/internal/discovery"
	"github.com/nerrad567/daelim-bridge/internal/infrastructure/config"
	"github.com/nerrad567/daelim-bridge/internal/infrastructure/database"
	"github.com/nerrad567/daelim-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/daelim-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/daelim-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/daelim-bridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// startupTimeout bounds discovery and infrastructure checks at boot.
	startupTimeout = 30 * time.Second

	// retentionInterval is how often old state history is pruned.
	retentionInterval = time.Hour

	// readyWait is how long startup waits for the first login before
	// carrying on in the background.
	readyWait = 20 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := dispatch(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dispatch selects a subcommand. No arguments runs the bridge.
func dispatch(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return run(ctx)
	}
	switch args[0] {
	case "run":
		return run(ctx)
	case "token":
		return runToken(args[1:], out)
	case "apartments":
		return runApartments(ctx, args[1:], out)
	case "version":
		fmt.Fprintf(out, "daelimbridge %s (commit %s, built %s)\n", version, commit, date)
		return nil
	default:
		return fmt.Errorf("unknown command %q (want run, token, apartments or version)", args[0])
	}
}

// run starts the bridge and blocks until ctx is cancelled or a component
// fails permanently (for example the server refusing the credentials).
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting daelim bridge", "version", version, "commit", commit, "date", date)

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"complex", cfg.Daelim.Apartment.ComplexID,
		"username", logging.Redact(cfg.Daelim.Auth.Username),
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	log.Info("database ready", "path", db.Path())

	snapshots := device.NewSQLiteSnapshotRepository(db.DB)
	history := device.NewSQLiteHistoryRepository(db.DB)
	commands := audit.NewSQLiteRepository(db.DB)

	influxClient, err := connectInflux(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	profile, err := resolveProfile(ctx, cfg, log)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := daelim.NewClient(daelim.Options{
		Profile:        profile,
		ConnectTimeout: cfg.ConnectTimeout(),
		CommandTimeout: cfg.CommandTimeout(),
		Backoff:        backoffPolicy(cfg.Daelim.Reconnect),
		PollInterval:   cfg.PollInterval(),
		Registerer:     registry,
		Logger:         log.Component("daelim"),
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Warn("apartment session lost, retrying",
				"attempt", attempt, "delay", delay.String(), "error", err)
			if influxClient != nil {
				influxClient.WriteSessionEvent(string(daelim.StatusBackoff), attempt, time.Now())
			}
		},
		OnReady: func(inv daelim.Inventory) {
			log.Info("apartment session ready", "devices", inv.Count(), "categories", len(inv))
			if influxClient != nil {
				influxClient.WriteSessionEvent(string(daelim.StatusReady), 0, time.Now())
			}
		},
	})
	if err != nil {
		return fmt.Errorf("creating apartment client: %w", err)
	}

	if cfg.Daelim.SeedFromDatabase {
		seedStore(ctx, client, snapshots, log)
	}

	mqttClient, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing MQTT connection")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	recorder := &device.Recorder{Snapshots: snapshots, History: history}
	if influxClient != nil {
		recorder.Series = influxClient
	}

	bridge, err := daelim.NewBridge(daelim.BridgeOptions{
		BridgeID:       cfg.Bridge.ID,
		Version:        version,
		ServerAddress:  profile.ServerAddress,
		HealthInterval: cfg.HealthInterval(),
		Client:         client,
		MQTTClient:     mqtt.BridgeAdapter{Client: mqttClient},
		Recorders:      []daelim.StateRecorder{recorder},
		Journal:        commands,
		Logger:         log.Component("bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected")
		if pubErr := bridge.Health().PublishNow(); pubErr != nil {
			log.Warn("publishing health after reconnect", "error", pubErr)
		}
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("starting apartment client: %w", err)
	}
	defer func() {
		log.Info("closing apartment session")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing apartment session", "error", closeErr)
		}
	}()

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	if cfg.API.Enabled {
		checks := map[string]api.HealthChecker{"database": db, "mqtt": mqttClient}
		if influxClient != nil {
			checks["influxdb"] = influxClient
		}
		server, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log,
			Devices:  client,
			History:  history,
			Audit:    commands,
			Gatherer: registry,
			Checks:   checks,
			Stats:    bridge.Statistics,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	retention := time.Duration(cfg.Database.HistoryRetentionDays) * 24 * time.Hour
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		device.RunRetention(gctx, history, retention, retentionInterval, log.Component("history"))
		return nil
	})
	g.Go(func() error {
		device.RunRetention(gctx, commands, retention, retentionInterval, log.Component("audit"))
		return nil
	})
	g.Go(func() error {
		return watchSession(gctx, client, log)
	})

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	log.Info("daelim bridge stopped")
	return nil
}

// watchSession waits for the first login, then blocks until ctx ends.
// Rejected credentials are permanent and end the process.
func watchSession(ctx context.Context, client *daelim.Client, log *logging.Logger) error {
	waitCtx, cancel := context.WithTimeout(ctx, readyWait)
	err := client.WaitReady(waitCtx)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, daelim.ErrAuthenticationFailed):
		return fmt.Errorf("apartment login refused: %w", err)
	case ctx.Err() != nil:
		return nil
	default:
		log.Warn("apartment not ready yet, continuing in background", "error", err)
	}

	// The supervisor stops retrying after an authentication failure; wait
	// for that or shutdown.
	err = client.WaitReady(ctx)
	for err == nil {
		if !waitStatusChange(ctx, client) {
			return nil
		}
		err = client.WaitReady(ctx)
	}
	if errors.Is(err, daelim.ErrAuthenticationFailed) {
		return fmt.Errorf("apartment login refused: %w", err)
	}
	return nil
}

// waitStatusChange polls until the session leaves Ready. It returns false
// when ctx ends first.
func waitStatusChange(ctx context.Context, client *daelim.Client) bool {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if client.Health().Status != daelim.StatusReady {
				return true
			}
		}
	}
}

// connectInflux returns nil without error when InfluxDB is disabled.
func connectInflux(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return client, nil
}

// connectMQTT connects with a retained offline will on the health topic.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	lwt, err := json.Marshal(daelim.NewLWTMessage(cfg.Bridge.ID))
	if err != nil {
		return nil, fmt.Errorf("encoding MQTT will: %w", err)
	}
	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
		Topic:   daelim.HealthTopic(),
		Payload: lwt,
		Offline: func() []byte {
			msg := daelim.NewLWTMessage(cfg.Bridge.ID)
			msg.Reason = "shutdown"
			b, _ := json.Marshal(msg) //nolint:errcheck // plain struct
			return b
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// resolveProfile builds the session profile from config, asking the vendor
// service for the server address when none is configured.
func resolveProfile(ctx context.Context, cfg *config.Config, log *logging.Logger) (daelim.ApartmentProfile, error) {
	d := cfg.Daelim
	profile := daelim.ApartmentProfile{
		ServerAddress:  d.Server.Address,
		ServerPort:     d.Server.Port,
		ComplexID:      d.Apartment.ComplexID,
		BuildingNumber: d.Apartment.Building,
		UnitNumber:     d.Apartment.Unit,
		Username:       d.Auth.Username,
		Password:       d.Auth.Password,
		DeviceUUID:     d.Auth.DeviceUUID,
	}
	if profile.ServerAddress != "" || !d.Discovery.ResolveServer {
		return profile, nil
	}

	disc, err := newDiscovery(d.Discovery, log)
	if err != nil {
		return profile, err
	}
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	resolved, err := disc.Profile(ctx, discovery.Credentials{
		ComplexID: d.Apartment.ComplexID,
		Building:  d.Apartment.Building,
		Unit:      d.Apartment.Unit,
		Username:  d.Auth.Username,
		Password:  d.Auth.Password,
	}, d.Server.Port, d.Auth.DeviceUUID)
	if err != nil {
		return profile, fmt.Errorf("resolving apartment server: %w", err)
	}
	log.Info("apartment server resolved", "complex", d.Apartment.ComplexID, "address", resolved.ServerAddress)
	return resolved, nil
}

func newDiscovery(cfg config.DaelimDiscoveryConfig, log *logging.Logger) (*discovery.Client, error) {
	c, err := discovery.New(discovery.Options{
		BaseURL: cfg.BaseURL,
		Timeout: time.Duration(cfg.Timeout) * time.Second,
		Logger:  log.Component("discovery"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating discovery client: %w", err)
	}
	return c, nil
}

// seedStore loads the last persisted states so the API and MQTT have
// values (marked stale) before the first sync completes.
func seedStore(ctx context.Context, client *daelim.Client, snapshots device.SnapshotRepository, log *logging.Logger) {
	states, err := snapshots.Load(ctx)
	if err != nil {
		log.Warn("some stored device states could not be loaded", "error", err)
	}
	if n := client.Seed(states); n > 0 {
		log.Info("device store seeded from database", "devices", n)
	}
}

func backoffPolicy(r config.DaelimReconnectConfig) daelim.BackoffPolicy {
	return daelim.BackoffPolicy{
		Initial:    time.Duration(r.InitialDelay) * time.Second,
		Max:        time.Duration(r.MaxDelay) * time.Second,
		Multiplier: r.Multiplier,
		Jitter:     r.Jitter,
	}
}

// runToken mints an API token signed with the configured JWT secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("sub", "", "token subject (user or service name)")
	role := fs.String("role", string(auth.RoleViewer), "role: viewer, operator or admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("token: -sub is required")
	}

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	token, err := auth.GenerateToken(auth.TokenOptions{
		Secret: cfg.Security.JWT.Secret,
		Issuer: cfg.Security.JWT.Issuer,
	}, *subject, auth.Role(*role), *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// runApartments prints the live complexes known to the vendor service.
// It needs no configuration file.
func runApartments(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("apartments", flag.ContinueOnError)
	fs.SetOutput(out)
	baseURL := fs.String("url", discovery.DefaultBaseURL, "vendor service base URL")
	timeout := fs.Duration("timeout", startupTimeout, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	disc, err := discovery.New(discovery.Options{BaseURL: *baseURL, Timeout: *timeout})
	if err != nil {
		return err
	}
	apartments, err := disc.ListApartments(ctx)
	if err != nil {
		return fmt.Errorf("listing apartments: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSERVER\tBUILDINGS")
	for _, a := range apartments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", a.ID, a.Name, a.ServerAddress, len(a.Buildings()))
	}
	return tw.Flush()
}
