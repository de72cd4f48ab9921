package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/venditt/billboardd/internal/adapters/api"
	"github.com/venditt/billboardd/internal/adapters/identity"
	"github.com/venditt/billboardd/internal/adapters/mqttserver"
	"github.com/venditt/billboardd/internal/adapters/sign"
	"github.com/venditt/billboardd/internal/billboardd"
	"github.com/venditt/billboardd/internal/modules/assetcache"
	"github.com/venditt/billboardd/internal/modules/billboard"
	embeddedmqtt "github.com/venditt/billboardd/internal/modules/embedded_mqtt"
	"github.com/venditt/billboardd/internal/modules/events"
	"github.com/venditt/billboardd/internal/modules/heartbeat"
	"github.com/venditt/billboardd/internal/modules/player"
)

func main() {
	var (
		configPath  string
		logLevel    string
		logFormat   string
		logFile     string
		moduleOnly  string
		printConfig bool
		dryRun      bool
	)

	flag.StringVar(&configPath, "config", billboardd.DefaultConfigPath(), "config file path")
	flag.StringVar(&logLevel, "log-level", "", "log level override")
	flag.StringVar(&logFormat, "log-format", "", "log format override (console|json)")
	flag.StringVar(&logFile, "log-file", "", "rotated log file override")
	flag.StringVar(&moduleOnly, "module", "", "limit to a single module")
	flag.BoolVar(&printConfig, "print-config", false, "print resolved config and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "validate config and exit")
	flag.Parse()

	cfg, err := billboardd.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyOverrides(&cfg, logLevel, logFormat, logFile)

	if err := billboardd.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if printConfig {
		printResolvedConfig(cfg)
		return
	}
	if dryRun {
		return
	}

	logger, err := billboardd.NewLogger(billboardd.LogConfig{
		Level:  cfg.Server.LogLevel,
		Format: cfg.Server.LogFormat,
		File:   cfg.Server.LogFile,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	creds, signer, err := deviceAuth(cfg)
	if err != nil {
		logger.Error("device identity failed", zap.Error(err))
		os.Exit(1)
	}
	if cfg.Server.Identity == "" {
		cfg.Server.Identity = creds.DeviceID
	}

	logger.Info("billboardd starting",
		zap.String("identity", cfg.Server.Identity),
		zap.String("api_base", cfg.API.Base),
		zap.String("billboard_id", cfg.API.BillboardID),
		zap.Strings("modules", enabledModules(cfg)),
	)

	apiClient, err := api.NewClient(api.Options{
		BaseURL:    cfg.API.Base,
		Signer:     signer,
		AuthHeader: cfg.API.AuthHeader,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("api client failed", zap.Error(err))
		os.Exit(1)
	}

	client, skipEmbedded, err := connectBroker(ctx, cfg, logger, cancel, moduleOnly)
	if err != nil {
		logger.Error("mqtt connection failed", zap.Error(err))
		os.Exit(1)
	}
	if client != nil {
		defer client.Disconnect()
	}

	modules, err := buildModules(cfg, apiClient, client, logger, moduleOnly, skipEmbedded)
	if err != nil {
		logger.Error("failed to build modules", zap.Error(err))
		os.Exit(1)
	}

	supervisor := billboardd.Supervisor{Logger: logger}
	if err := supervisor.Run(ctx, modules); err != nil {
		if errors.Is(err, billboard.ErrRestartDue) {
			logger.Info("exiting for supervisor restart")
			return
		}
		logger.Error("supervisor error", zap.Error(err))
		os.Exit(1)
	}
}

func applyOverrides(cfg *billboardd.Config, logLevel, logFormat, logFile string) {
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Server.LogFormat = logFormat
	}
	if logFile != "" {
		cfg.Server.LogFile = logFile
	}
	if cfg.Server.Broker == "" && cfg.Modules.EmbeddedMQTT.Enabled {
		listen := cfg.Modules.EmbeddedMQTT.Listen
		if listen == "" {
			listen = "127.0.0.1:1883"
		}
		cfg.Server.Broker = embeddedmqtt.BrokerURL(listen, embeddedTLS(*cfg))
	}
}

// deviceAuth resolves device credentials. With a legacy auth header there
// is no HMAC signer and a missing machine-id only costs the identity
// default, not startup.
func deviceAuth(cfg billboardd.Config) (identity.Credentials, *sign.Signer, error) {
	creds, err := identity.Load(cfg.API.MachineIDPath)
	if err != nil {
		if cfg.API.AuthHeader != "" {
			host, hostErr := os.Hostname()
			if hostErr != nil {
				return identity.Credentials{}, nil, hostErr
			}
			return identity.Credentials{DeviceID: host}, nil, nil
		}
		return identity.Credentials{}, nil, err
	}
	if cfg.API.AuthHeader != "" {
		return creds, nil, nil
	}
	signer, err := sign.NewSigner(creds.DeviceID, creds.Secret)
	if err != nil {
		return identity.Credentials{}, nil, err
	}
	return creds, signer, nil
}

// connectBroker starts the embedded broker when it backs the configured
// broker URL, then connects the daemon's client. No broker configured
// means status publishing is simply off.
func connectBroker(ctx context.Context, cfg billboardd.Config, logger *zap.Logger, cancel context.CancelFunc, moduleOnly string) (*mqttserver.Client, bool, error) {
	if cfg.Server.Broker == "" {
		return nil, false, nil
	}

	skipEmbedded := false
	embeddedURL := embeddedmqtt.BrokerURL(listenOrDefault(cfg), embeddedTLS(cfg))
	if moduleOnly != "embedded_mqtt" && cfg.Modules.EmbeddedMQTT.Enabled && cfg.Server.Broker == embeddedURL {
		if err := startEmbeddedBroker(ctx, cfg, logger, cancel); err != nil {
			return nil, false, err
		}
		skipEmbedded = true
	}

	client, err := mqttserver.NewClient(mqttserver.Options{
		BrokerURL: cfg.Server.Broker,
		ClientID:  fmt.Sprintf("billboardd-%d", os.Getpid()),
		Username:  cfg.Server.Auth.User,
		Password:  cfg.Server.Auth.Pass,
		TLSCA:     cfg.Server.TLS.CA,
		TLSCert:   cfg.Server.TLS.Cert,
		TLSKey:    cfg.Server.TLS.Key,
		Timeout:   2 * time.Second,
		Logger:    logger,
	})
	if err != nil {
		return nil, skipEmbedded, err
	}
	return client, skipEmbedded, nil
}

func buildModules(cfg billboardd.Config, apiClient *api.Client, client *mqttserver.Client, logger *zap.Logger, moduleOnly string, skipEmbedded bool) ([]billboardd.ModuleRunner, error) {
	modules := []billboardd.ModuleRunner{}

	if cfg.Modules.EmbeddedMQTT.Enabled && !skipEmbedded {
		if moduleOnly == "" || moduleOnly == "embedded_mqtt" {
			mod, err := embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedmqtt.Config{
				Listen:         cfg.Modules.EmbeddedMQTT.Listen,
				TopicBase:      cfg.Server.TopicBase,
				AllowAnonymous: cfg.Modules.EmbeddedMQTT.AllowAnonymous,
				Username:       cfg.Modules.EmbeddedMQTT.Username,
				Password:       cfg.Modules.EmbeddedMQTT.Password,
				TLSCA:          cfg.Modules.EmbeddedMQTT.TLSCA,
				TLSCert:        cfg.Modules.EmbeddedMQTT.TLSCert,
				TLSKey:         cfg.Modules.EmbeddedMQTT.TLSKey,
			})
			if err != nil {
				return nil, err
			}
			modules = append(modules, billboardd.ModuleRunner{Name: "embedded_mqtt", Run: mod.Run})
		}
	}

	var recorder billboard.EventRecorder
	if cfg.Modules.Events.Enabled {
		if moduleOnly == "" || moduleOnly == "events" || moduleOnly == "billboard" {
			reporter, err := events.NewReporter(logger.With(zap.String("module", "events")), apiClient, events.Config{
				SpoolPath:     cfg.Modules.Events.SpoolPath,
				FlushInterval: time.Duration(cfg.Modules.Events.FlushSeconds) * time.Second,
			})
			if err != nil {
				return nil, err
			}
			recorder = reporter
			modules = append(modules, billboardd.ModuleRunner{Name: "events", Run: reporter.Run})
		}
	}

	if cfg.Modules.Billboard.Enabled {
		if moduleOnly == "" || moduleOnly == "billboard" {
			mod, err := buildBillboard(cfg, apiClient, client, recorder, logger)
			if err != nil {
				return nil, err
			}
			modules = append(modules, billboardd.ModuleRunner{Name: "billboard", Run: mod.Run})
		}
	}

	if cfg.Modules.Heartbeat.Enabled {
		if moduleOnly == "" || moduleOnly == "heartbeat" {
			hb, err := heartbeat.NewModule(logger.With(zap.String("module", "heartbeat")), apiClient, heartbeat.Config{
				Interval: time.Duration(cfg.Modules.Heartbeat.IntervalSeconds) * time.Second,
			})
			if err != nil {
				return nil, err
			}
			modules = append(modules, billboardd.ModuleRunner{Name: "heartbeat", Run: hb.Run})
		}
	}

	if moduleOnly != "" && len(modules) == 0 {
		return nil, errors.New("no modules enabled")
	}
	return modules, nil
}

func buildBillboard(cfg billboardd.Config, apiClient *api.Client, client *mqttserver.Client, recorder billboard.EventRecorder, logger *zap.Logger) (*billboard.Module, error) {
	log := logger.With(zap.String("module", "billboard"))
	bc := cfg.Modules.Billboard

	store, err := billboard.NewStore(bc.StateDir)
	if err != nil {
		return nil, err
	}
	fetcher, err := billboard.NewFetcher(apiClient, cfg.API.BillboardID, log)
	if err != nil {
		return nil, err
	}
	cache, err := assetcache.New(bc.CacheDir, bc.MaxCacheMB, log)
	if err != nil {
		return nil, err
	}
	driver, err := player.NewDriver(log, player.Config{
		Binary:       bc.PlayerBinary,
		Socket:       bc.PlayerSocket,
		Orientation:  bc.Orientation,
		ImageSeconds: time.Duration(bc.ImageSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	var status billboard.StatusPublisher
	if client != nil {
		status = client
	}
	return billboard.NewModule(log, status, store, fetcher, cache, driver, recorder, billboard.Config{
		NodeID:       cfg.Server.Identity,
		TopicBase:    cfg.Server.TopicBase,
		RestartHours: bc.RestartHours,
	})
}

func enabledModules(cfg billboardd.Config) []string {
	out := []string{}
	if cfg.Modules.EmbeddedMQTT.Enabled {
		out = append(out, "embedded_mqtt")
	}
	if cfg.Modules.Events.Enabled {
		out = append(out, "events")
	}
	if cfg.Modules.Billboard.Enabled {
		out = append(out, "billboard")
	}
	if cfg.Modules.Heartbeat.Enabled {
		out = append(out, "heartbeat")
	}
	return out
}

func printResolvedConfig(cfg billboardd.Config) {
	fmt.Fprintf(os.Stdout,
		"identity=%s api_base=%s billboard_id=%s state_dir=%s cache_dir=%s image_seconds=%d restart_hours=%d max_cache_mb=%d orientation=%d broker=%s\n",
		cfg.Server.Identity,
		cfg.API.Base,
		cfg.API.BillboardID,
		cfg.Modules.Billboard.StateDir,
		cfg.Modules.Billboard.CacheDir,
		cfg.Modules.Billboard.ImageSeconds,
		cfg.Modules.Billboard.RestartHours,
		cfg.Modules.Billboard.MaxCacheMB,
		cfg.Modules.Billboard.Orientation,
		cfg.Server.Broker,
	)
}

func listenOrDefault(cfg billboardd.Config) string {
	listen := cfg.Modules.EmbeddedMQTT.Listen
	if listen == "" {
		listen = "127.0.0.1:1883"
	}
	return listen
}

func embeddedTLS(cfg billboardd.Config) bool {
	e := cfg.Modules.EmbeddedMQTT
	return e.TLSCert != "" || e.TLSKey != "" || e.TLSCA != ""
}

func startEmbeddedBroker(ctx context.Context, cfg billboardd.Config, logger *zap.Logger, cancel context.CancelFunc) error {
	mod, err := embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedmqtt.Config{
		Listen:         cfg.Modules.EmbeddedMQTT.Listen,
		TopicBase:      cfg.Server.TopicBase,
		AllowAnonymous: cfg.Modules.EmbeddedMQTT.AllowAnonymous,
		Username:       cfg.Modules.EmbeddedMQTT.Username,
		Password:       cfg.Modules.EmbeddedMQTT.Password,
		TLSCA:          cfg.Modules.EmbeddedMQTT.TLSCA,
		TLSCert:        cfg.Modules.EmbeddedMQTT.TLSCert,
		TLSKey:         cfg.Modules.EmbeddedMQTT.TLSKey,
	})
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- mod.Run(ctx)
	}()
	go func() {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("embedded mqtt exited", zap.Error(err))
			cancel()
		}
	}()

	return waitForListen(listenOrDefault(cfg), 3*time.Second)
}

func waitForListen(listen string, timeout time.Duration) error {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, port)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("embedded mqtt not ready at %s", addr)
}
