package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"servis-go/internal/automation"
	"servis-go/internal/devlink"
	"servis-go/internal/downloads"
	"servis-go/internal/events"
	"servis-go/internal/frontend"
	"servis-go/internal/gpio"
	"servis-go/internal/hwserver"
	"servis-go/internal/metrics"
	"servis-go/internal/orchestrator"
	"servis-go/internal/registry"
	"servis-go/internal/store"
	"servis-go/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type ServiceConfig struct {
	Name         string   `yaml:"name"`
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Capabilities []string `yaml:"capabilities"`
}

type Config struct {
	Orchestrator struct {
		Listen      string        `yaml:"listen"`
		RecvTimeout time.Duration `yaml:"recv_timeout"`
		RateLimit   float64       `yaml:"rate_limit"` // envelopes per second per connection
		RateBurst   int           `yaml:"rate_burst"`
	} `yaml:"orchestrator"`
	Hardware struct {
		Listen    string `yaml:"listen"`
		MCPListen string `yaml:"mcp_listen"`
	} `yaml:"hardware"`
	GPIO struct {
		Driver   string   `yaml:"driver"` // "auto", "cdev" or "memory"
		Chips    []string `yaml:"chips"`
		Consumer string   `yaml:"consumer"`
	} `yaml:"gpio"`
	Serial struct {
		Enabled bool   `yaml:"enabled"`
		Port    string `yaml:"port"`
		Baud    int    `yaml:"baud"`
		Device  string `yaml:"device"` // local board type, e.g. "pico"
		Name    string `yaml:"name"`
	} `yaml:"serial"`
	MQTT struct {
		Enabled     bool     `yaml:"enabled"`
		Broker      string   `yaml:"broker"`
		Username    string   `yaml:"username"`
		Password    string   `yaml:"password"`
		ClientID    string   `yaml:"client_id"`
		TopicPrefix string   `yaml:"topic_prefix"`
		EventPrefix string   `yaml:"event_prefix"`
		Events      []string `yaml:"events"`
		Discovery   bool     `yaml:"discovery"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Frontend struct {
		Text bool `yaml:"text"` // interactive console on stdin
	} `yaml:"frontend"`
	Store struct {
		Path     string `yaml:"path"`
		AuditCap int    `yaml:"audit_cap"`
	} `yaml:"store"`
	Downloads struct {
		Dir       string        `yaml:"dir"`
		Workers   int           `yaml:"workers"`
		QueueSize int           `yaml:"queue_size"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"downloads"`
	Registry struct {
		CallTimeout time.Duration `yaml:"call_timeout"`
		RateLimit   float64       `yaml:"rate_limit"` // dispatches per second per service
		RateBurst   int           `yaml:"rate_burst"`
	} `yaml:"registry"`
	Services   []ServiceConfig               `yaml:"services"`
	Routes     map[string]orchestrator.Route `yaml:"routes"`
	Automation automation.SystemConfig       `yaml:"automation"`
	Log        struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	for name, addr := range map[string]string{
		"orchestrator.listen": c.Orchestrator.Listen,
		"hardware.listen":     c.Hardware.Listen,
		"web.listen":          c.Web.Listen,
	} {
		if err := validateAddr(addr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Hardware.MCPListen != "" {
		if err := validateAddr(c.Hardware.MCPListen); err != nil {
			return fmt.Errorf("hardware.mcp_listen: %w", err)
		}
	}
	switch c.GPIO.Driver {
	case "auto", "cdev", "memory":
	default:
		return fmt.Errorf("gpio.driver must be auto, cdev or memory, got %q", c.GPIO.Driver)
	}
	if c.Serial.Enabled {
		if c.Serial.Port == "" {
			return fmt.Errorf("serial.port is required when serial is enabled")
		}
		if _, err := devlink.ParseDeviceType(c.Serial.Device); err != nil {
			return fmt.Errorf("serial.device: %w", err)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	seen := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		if s.Name == "" || s.Host == "" {
			return fmt.Errorf("services[%d]: name and host are required", i)
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("services[%d]: port must be 1-65535, got %d", i, s.Port)
		}
		if seen[s.Name] {
			return fmt.Errorf("services[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	defaults := orchestrator.DefaultRoutes()
	for name, r := range c.Routes {
		if _, ok := defaults[name]; !ok && (r.Service == "" || r.Tool == "") {
			return fmt.Errorf("routes.%s: a new route needs service and tool", name)
		}
	}
	return nil
}

func validateAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("servis-core starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger)
	m := metrics.New()

	db, err := store.NewBoltStore(cfg.Store.Path, store.WithAuditCap(cfg.Store.AuditCap))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	regOpts := []registry.Option{
		registry.WithCaller(registry.NewHTTPCaller(cfg.Registry.CallTimeout)),
		registry.WithEvents(bus),
		registry.WithMetrics(m),
	}
	if cfg.Registry.RateLimit > 0 {
		regOpts = append(regOpts, registry.WithRateLimit(rate.Limit(cfg.Registry.RateLimit), cfg.Registry.RateBurst))
	}
	reg := registry.New(logger, regOpts...)
	for _, s := range cfg.Services {
		reg.Register(s.Name, s.Host, s.Port, s.Capabilities)
	}
	logger.Info("service registry initialized", "services", reg.Len())

	dl := downloads.New(db, downloads.Options{
		Dir:       cfg.Downloads.Dir,
		Workers:   cfg.Downloads.Workers,
		QueueSize: cfg.Downloads.QueueSize,
		Timeout:   cfg.Downloads.Timeout,
		Bus:       bus,
		Metrics:   m,
	}, logger)

	router := orchestrator.NewRouter(reg, dl, cfg.Routes, logger)
	orch := orchestrator.New(orchestrator.Config{
		Addr:        cfg.Orchestrator.Listen,
		RecvTimeout: cfg.Orchestrator.RecvTimeout,
		RateLimit:   rate.Limit(cfg.Orchestrator.RateLimit),
		RateBurst:   cfg.Orchestrator.RateBurst,
	}, router, logger,
		orchestrator.WithEvents(bus),
		orchestrator.WithMetrics(m),
		orchestrator.WithAuditor(db),
	)

	driver, err := openGPIODriver(cfg, logger)
	if err != nil {
		return err
	}
	pins := gpio.NewManager(driver, logger,
		gpio.WithConsumer(cfg.GPIO.Consumer),
		gpio.WithEvents(bus),
		gpio.WithMetrics(m),
	)
	defer pins.Close()

	hw := hwserver.New(hwserver.Config{
		Addr:     cfg.Hardware.Listen,
		HTTPAddr: cfg.Hardware.MCPListen,
	}, pins, m, logger)

	// The accept loops outlive this group, so they get ctx rather than the
	// group's context.
	var g errgroup.Group
	g.Go(func() error { return dl.Start(ctx) })
	g.Go(func() error { return orch.Start(ctx) })
	g.Go(func() error { return hw.Start(ctx) })
	if err := g.Wait(); err != nil {
		orch.Stop()
		hw.Stop()
		dl.Stop()
		return err
	}

	monitor, link := startSerial(ctx, cfg, bus, logger)

	auto, autoWebOpts := initAutomation(bus, reg, pins, orch, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithAddr(cfg.Web.Listen),
		web.WithVersion(version),
		web.WithDownloads(dl),
		web.WithAudit(db),
		web.WithGPIO(pins),
		web.WithMetrics(m),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(reg, bus, logger, webOpts...)

	frontends := frontend.NewManager(orch, logger)
	if err := frontends.Register(webServer); err != nil {
		return err
	}
	var textDone <-chan struct{}
	if cfg.Frontend.Text {
		text := frontend.NewTextAdapter(os.Stdin, os.Stdout, logger)
		if err := frontends.Register(text); err != nil {
			return err
		}
		textDone = text.Done()
	}
	if err := frontends.StartAll(ctx); err != nil {
		webServer.Stop()
		return fmt.Errorf("start front-ends: %w", err)
	}

	mqtt := initMQTT(pins, bus, m, cfg, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "signal")
	case <-orch.ShutdownRequested():
		logger.Info("shutting down", "reason", "client request")
	case <-textDone:
		logger.Info("shutting down", "reason", "console quit")
	}
	stop()

	auto.Stop()
	mqtt.Stop()
	frontends.StopAll()
	if monitor != nil {
		monitor.Stop()
		link.Close()
	}

	// Both listeners must be released; stop them side by side.
	var sg errgroup.Group
	sg.Go(func() error { orch.Stop(); return nil })
	sg.Go(func() error { hw.Stop(); return nil })
	sg.Go(func() error { dl.Stop(); return nil })
	return sg.Wait()
}

// openGPIODriver picks the line driver. "auto" falls back to the in-memory
// driver when no GPIO chip can be opened.
func openGPIODriver(cfg *Config, logger *slog.Logger) (gpio.Driver, error) {
	if cfg.GPIO.Driver == "memory" {
		logger.Info("using in-memory gpio driver")
		return gpio.NewMemoryDriver(), nil
	}
	d, err := gpio.OpenCdev(cfg.GPIO.Chips, cfg.GPIO.Consumer)
	if err == nil {
		logger.Info("gpio chip opened", "driver", d.Name())
		return d, nil
	}
	if cfg.GPIO.Driver == "cdev" {
		return nil, err
	}
	logger.Warn("no gpio chip available, using in-memory driver", "err", err)
	return gpio.NewMemoryDriver(), nil
}

// startSerial opens the microcontroller link and starts its monitor. A
// failure to open is logged, not fatal.
func startSerial(ctx context.Context, cfg *Config, bus *events.Bus, logger *slog.Logger) (*devlink.Monitor, *devlink.Link) {
	if !cfg.Serial.Enabled {
		return nil, nil
	}
	devType, _ := devlink.ParseDeviceType(cfg.Serial.Device)
	link, err := devlink.Open(cfg.Serial.Port, cfg.Serial.Baud, devlink.Identity{
		Type:    devType,
		Name:    cfg.Serial.Name,
		Version: version,
	}, logger)
	if err != nil {
		logger.Error("open serial link", "port", cfg.Serial.Port, "err", err)
		return nil, nil
	}
	monitor := devlink.NewMonitor(link, bus, logger)
	monitor.Start(ctx)
	logger.Info("serial link open", "port", cfg.Serial.Port, "baud", cfg.Serial.Baud)
	return monitor, link
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Orchestrator.Listen == "" {
		cfg.Orchestrator.Listen = ":8080"
	}
	if cfg.Hardware.Listen == "" {
		cfg.Hardware.Listen = ":8081"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8082"
	}
	if cfg.GPIO.Driver == "" {
		cfg.GPIO.Driver = "auto"
	}
	if cfg.GPIO.Consumer == "" {
		cfg.GPIO.Consumer = gpio.DefaultConsumer
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Serial.Device == "" {
		cfg.Serial.Device = "pico"
	}
	if cfg.Serial.Name == "" {
		cfg.Serial.Name = "servis-core"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "servis.db"
	}
	if cfg.Store.AuditCap == 0 {
		cfg.Store.AuditCap = 1000
	}
	if cfg.Downloads.Dir == "" {
		cfg.Downloads.Dir = "downloads"
	}
	if cfg.Registry.CallTimeout == 0 {
		cfg.Registry.CallTimeout = 5 * time.Second
	}
	if cfg.Automation.ExecTimeout == 0 {
		cfg.Automation.ExecTimeout = 10 * time.Second
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
