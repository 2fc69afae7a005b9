package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/relaypilot/relaypilot/pkg/common"
	"github.com/relaypilot/relaypilot/pkg/config"
	"github.com/relaypilot/relaypilot/pkg/controller"
	"github.com/relaypilot/relaypilot/pkg/device"
	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/pricing"
	"github.com/relaypilot/relaypilot/pkg/server"
	"github.com/relaypilot/relaypilot/pkg/storage"
	"github.com/relaypilot/relaypilot/pkg/types"
	"github.com/relaypilot/relaypilot/pkg/worker"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// init packages
	loader := config.Configured()
	store := storage.Configured()
	shelly := device.ConfiguredShelly()
	srv := server.Configured()

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := store.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	cfg, err := loader.Load()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load config", "error", err, slog.String("path", loader.Path()))
		os.Exit(1)
	}

	if err := resolveDeviceHosts(ctx, cfg); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve device hosts", "error", err)
		os.Exit(1)
	}

	pricingMgr, err := buildPricing(ctx, cfg)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set up tariff pricing", "error", err)
		os.Exit(1)
	}

	w := worker.New(worker.Config{
		Client:              shelly,
		Devices:             cfg.ShellyDevices.Devices,
		MaxConcurrentErrors: cfg.ShellyDevices.MaxConcurrentErrors,
	})

	components, err := controller.Build(ctx, cfg, pricingMgr)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to build controller", "error", err)
		os.Exit(1)
	}
	ctrl := controller.New(controller.Config{
		DeviceName:      cfg.General.DeviceName,
		PollingInterval: time.Duration(cfg.General.PollingInterval) * time.Second,
		HeartbeatURL:    cfg.General.HeartbeatURL,
		Devices:         cfg.ShellyDevices.Devices,
		TestingMode:     cfg.General.TestingMode,
	}, controller.Deps{
		Loader:  loader,
		Store:   store,
		Worker:  w,
		Pricing: pricingMgr,
	}, components, cfg.ModTime)
	srv.SetDeps(ctrl, store, cfg.General.DeviceName)

	// The worker gets its own context so the controller can still switch
	// outputs off during shutdown.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := common.Supervise(workerCtx, "worker", common.DefaultRestartPolicy(), w.Run); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "device worker gave up", "error", err)
			cancel()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := common.Supervise(ctx, "server", common.DefaultRestartPolicy(), srv.Run); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "admin server gave up", "error", err)
			cancel()
		}
	}()

	err = ctrl.Run(ctx)
	workerCancel()
	wg.Wait()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "controller failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "controller exited cleanly")
}

// buildPricing creates the tariff manager from the AmberAPI config section.
func buildPricing(ctx context.Context, cfg *config.Config) (*pricing.Manager, error) {
	var provider pricing.Tariff
	if cfg.AmberAPI.Mode == types.PricingModeLive {
		loc, err := cfg.ResolveLocation()
		if err != nil {
			return nil, err
		}
		tz, err := time.LoadLocation(loc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", loc.Timezone, err)
		}
		provider = pricing.NewAmber(cfg.AmberAPI.APIURL, cfg.AmberAPI.APIKey,
			time.Duration(cfg.AmberAPI.Timeout)*time.Second, tz)
	}
	m := pricing.NewManager(pricing.Config{
		Mode:                cfg.AmberAPI.Mode,
		Provider:            provider,
		RefreshInterval:     time.Duration(cfg.AmberAPI.RefreshInterval) * time.Minute,
		MaxConcurrentErrors: cfg.AmberAPI.MaxConcurrentErrors,
		CacheFile:           cfg.AmberAPI.PricesCacheFile,
	})
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := m.Initialise(ctx); err != nil {
		// Outputs fall back to their scheduled windows until prices arrive.
		log.Ctx(ctx).WarnContext(ctx, "initial tariff fetch failed", "error", err)
	}
	return m, nil
}

// resolveDeviceHosts fills missing device hosts from mDNS discovery, matching
// the announced instance name against the configured device name.
func resolveDeviceHosts(ctx context.Context, cfg *config.Config) error {
	missing := 0
	for _, dev := range cfg.ShellyDevices.Devices {
		if dev.Host == "" {
			missing++
		}
	}
	if missing == 0 {
		return nil
	}

	log.Ctx(ctx).InfoContext(ctx, "discovering devices without a configured host",
		slog.Int("missing", missing))
	found, err := device.Discover(ctx, 5*time.Second)
	if err != nil {
		return err
	}
	for i, dev := range cfg.ShellyDevices.Devices {
		if dev.Host != "" {
			continue
		}
		for _, d := range found {
			if strings.EqualFold(d.Instance, dev.Name) {
				host := d.Host
				if d.Addr != nil {
					host = d.Addr.String()
				}
				cfg.ShellyDevices.Devices[i].Host = host
				log.Ctx(ctx).InfoContext(ctx, "resolved device host via mdns",
					slog.String("device", dev.Name), slog.String("host", host))
				break
			}
		}
		if cfg.ShellyDevices.Devices[i].Host == "" {
			return fmt.Errorf("device %q has no host and was not discovered", dev.Name)
		}
	}
	return nil
}
