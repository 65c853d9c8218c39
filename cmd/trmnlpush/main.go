package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"trmnlpush/internal/api"
	"trmnlpush/internal/auth"
	"trmnlpush/internal/config"
	"trmnlpush/internal/events"
	"trmnlpush/internal/mqtt"
	"trmnlpush/internal/plugins"
	"trmnlpush/internal/plugins/trmnl"
	"trmnlpush/internal/state"
	"trmnlpush/internal/storage"
	"trmnlpush/internal/webhook"
)

// Version is set at build time via -ldflags "-X main.Version=vX.Y.Z"
var Version = "dev"

func main() {
	envFile := flag.String("config", ".env", "Path to the .env configuration file")
	setPassword := flag.String("set-password", "", "Set the password of the given user (read from stdin) and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Fatal("Failed to load configuration", "err", err, "file", *envFile)
	}
	logger.SetLevel(cfg.LogLevel())
	logger.Debugf("Configuration loaded: %s", cfg)

	store, err := storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		logger.Fatal("Failed to open database", "err", err, "path", cfg.DBPath())
	}
	defer store.Close()

	if *setPassword != "" {
		if err := resetPassword(store, *setPassword); err != nil {
			logger.Fatal("Failed to set password", "err", err)
		}
		logger.Infof("Password for %s updated", *setPassword)
		return
	}

	if err := run(cfg, store, logger); err != nil {
		logger.Fatal(err)
	}
}

func run(cfg *config.Config, store storage.Storage, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.OnChange(func(c *config.Config) {
		logger.SetLevel(c.LogLevel())
		logger.Infof("Configuration reloaded (log level %s)", c.LogLevel())
	})
	cfg.Watch(logger)

	if cfg.NoAuth() {
		logger.Warn("Authentication is DISABLED")
	} else {
		password, err := auth.SeedAdmin(store, cfg.AdminUser())
		if err != nil {
			return fmt.Errorf("failed to seed admin user: %w", err)
		}
		if password != "" {
			logger.Warnf("Created user %q with password %q. Change it with -set-password.", cfg.AdminUser(), password)
		}
	}

	var mqttClient *mqtt.Client
	if cfg.MQTTBroker() != "" {
		client, err := mqtt.New(mqtt.Config{
			Broker:   cfg.MQTTBroker(),
			ClientID: cfg.MQTTClientID(),
			Username: cfg.MQTTUsername(),
			Password: cfg.MQTTPassword(),
			Prefix:   cfg.MQTTPrefix(),
			UseTLS:   cfg.MQTTUseTLS(),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create MQTT client: %w", err)
		}
		mqttClient = client
		defer mqttClient.Disconnect()
	}

	states := state.NewMemoryStore()
	source, err := newSource(cfg, mqttClient, states, logger)
	if err != nil {
		return err
	}
	if err := source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s state source: %w", source.Name(), err)
	}
	logger.Infof("Reading entity states from %s", source.Name())

	eventStore := events.NewStore(100)
	deps := &plugins.PluginDependencies{
		Config:     cfg,
		EventStore: eventStore,
		Logger:     logger,
		Storage:    store,
		States:     states,
		Webhook:    webhook.New(&http.Client{Timeout: cfg.WebhookTimeout()}),
		MQTTClient: mqttClient,
	}
	if mqttClient != nil {
		deps.MQTTPublisher = mqtt.NewPublisher(mqttClient, logger)
		deps.MQTTDiscovery = mqtt.NewDiscoveryManager(mqttClient, logger, store, trmnl.PluginName)
	}

	registry := plugins.NewRegistry()
	if err := registry.Register(trmnl.New()); err != nil {
		return err
	}
	registry.SetDependencies(deps)
	if err := registry.EnableByDefault(trmnl.PluginName); err != nil {
		return fmt.Errorf("failed to enable default plugins: %w", err)
	}
	if err := registry.InitAll(ctx, deps); err != nil {
		return fmt.Errorf("failed to initialize plugins: %w", err)
	}
	if err := registry.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start plugins: %w", err)
	}
	if err := registry.StartBackgroundTasksAll(ctx); err != nil {
		return fmt.Errorf("failed to start background tasks: %w", err)
	}

	server := api.NewServer(cfg, store, eventStore, registry, logger)
	server.StartCleanup(ctx)
	httpServer := server.HTTPServer()

	if cfg.MDNS() {
		adv, err := api.Advertise(cfg.Port(), Version, logger)
		if err != nil {
			logger.Warnf("mDNS advertisement failed: %v", err)
		} else {
			defer adv.Shutdown()
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("trmnlpush %s listening on %s", Version, cfg.Addr())
		printAccessURLs(logger, cfg.Port())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			registry.StopAll(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown: %v", err)
	}
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Errorf("Plugin shutdown: %v", err)
	}
	return nil
}

// newSource picks the entity state source configured by TRMNLPUSH_STATE_SOURCE
func newSource(cfg *config.Config, mqttClient *mqtt.Client, states *state.MemoryStore, logger *log.Logger) (state.Source, error) {
	switch cfg.StateSource() {
	case config.SourceMQTT:
		if mqttClient == nil {
			return nil, errors.New("the mqtt state source requires TRMNLPUSH_MQTT_BROKER")
		}
		if err := mqttClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		return state.NewStatestreamSource(cfg.StatestreamTopic(), mqttClient, states, logger), nil
	case config.SourceREST:
		client := &http.Client{Timeout: cfg.WebhookTimeout()}
		return state.NewRESTSource(cfg.HassURL(), cfg.HassToken(), cfg.HassPoll(), client, states, logger), nil
	case config.SourceHwmon:
		return state.NewHwmonSource("", cfg.HassPoll(), states, logger), nil
	default:
		return nil, fmt.Errorf("unknown state source %q", cfg.StateSource())
	}
}

// resetPassword reads a new password for username from stdin
func resetPassword(store storage.Storage, username string) error {
	role := auth.RoleAdmin
	if existing, err := store.GetUser(username); err == nil {
		role = auth.Role(existing.Role)
	}

	fmt.Fprintf(os.Stderr, "New password for %s: ", username)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read password: %w", err)
	}
	return auth.SetPassword(store, username, strings.TrimRight(line, "\r\n"), role)
}

// getLocalIPs returns all non-loopback IPv4 addresses
func getLocalIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			ips = append(ips, ip.String())
		}
	}

	return ips
}

// printAccessURLs logs the API base URLs
func printAccessURLs(logger *log.Logger, port int) {
	ips := getLocalIPs()
	if len(ips) == 0 {
		logger.Infof("API available at http://localhost:%d/api", port)
		return
	}
	for _, ip := range ips {
		logger.Infof("API available at http://%s:%d/api", ip, port)
	}
}
