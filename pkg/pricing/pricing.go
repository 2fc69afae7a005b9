// Package pricing manages forward wholesale tariff data: fetching it from a
// provider, caching it on disk, and exposing per-channel slot lists for
// planning.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/planner"
	"github.com/relaypilot/relaypilot/pkg/types"
)

var (
	// ErrDisabled is returned by operations that need tariff data while the
	// manager is disabled.
	ErrDisabled = errors.New("pricing is disabled")
	// ErrTooManyErrors is returned by Refresh once the consecutive fetch
	// error limit is exceeded.
	ErrTooManyErrors = errors.New("too many consecutive pricing errors")
)

const (
	// Two hours of 5 minute data and at least 48 hours of 30 minute data.
	shortTermResolution = 5
	shortTermIntervals  = 72
	longTermResolution  = 30
	longTermIntervals   = 290

	errorRetryInterval = time.Minute
)

// ChannelPrices is the consolidated raw data for one tariff channel, as
// persisted to the cache file.
type ChannelPrices struct {
	Name    types.Channel `json:"name"`
	Entries []Entry       `json:"entries"`
}

// Manager owns the tariff data lifecycle. It is not safe for concurrent use;
// the controller thread owns it.
type Manager struct {
	mode                types.PricingMode
	provider            Tariff
	refreshInterval     time.Duration
	maxConcurrentErrors int
	cacheFile           string

	nextRefresh      time.Time
	concurrentErrors int

	raw      []ChannelPrices
	channels map[types.Channel]*channelData

	now func() time.Time
}

type channelData struct {
	slots  []types.PriceSlot
	sorted []types.PriceSlot
}

// Config builds a Manager.
type Config struct {
	Mode     types.PricingMode
	Provider Tariff
	// RefreshInterval between successful fetches. Zero means 5 minutes.
	RefreshInterval time.Duration
	// MaxConcurrentErrors before Refresh reports ErrTooManyErrors. Zero
	// means 10.
	MaxConcurrentErrors int
	// CacheFile is where raw prices are persisted so Offline mode (and warm
	// restarts) can serve data without the API. Empty disables caching.
	CacheFile string
}

// Configured sets up flags for the pricing manager and returns it wired to
// the Amber provider.
func Configured() *Manager {
	m := &Manager{
		now:      time.Now,
		channels: make(map[types.Channel]*channelData),
	}
	amber := configuredAmber()
	mode := lflag.String("pricing-mode", string(types.PricingModeLive), "Pricing mode: Live, Offline or Disabled")
	interval := lflag.Duration("pricing-refresh-interval", 5*time.Minute, "Interval between tariff refreshes")
	maxErrors := lflag.Int("pricing-max-errors", 10, "Consecutive tariff fetch errors before giving up")
	cacheFile := lflag.String("pricing-cache-file", "prices.json", "File for cached tariff data (empty to disable)")

	lflag.Do(func() {
		m.mode = types.PricingMode(*mode)
		m.provider = amber
		m.refreshInterval = *interval
		m.maxConcurrentErrors = *maxErrors
		m.cacheFile = *cacheFile
	})
	return m
}

// NewManager creates a Manager from explicit config.
func NewManager(cfg Config) *Manager {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.MaxConcurrentErrors <= 0 {
		cfg.MaxConcurrentErrors = 10
	}
	return &Manager{
		mode:                cfg.Mode,
		provider:            cfg.Provider,
		refreshInterval:     cfg.RefreshInterval,
		maxConcurrentErrors: cfg.MaxConcurrentErrors,
		cacheFile:           cfg.CacheFile,
		channels:            make(map[types.Channel]*channelData),
		now:                 time.Now,
	}
}

// Validate ensures the configuration is usable.
func (m *Manager) Validate() error {
	switch m.mode {
	case types.PricingModeLive, types.PricingModeOffline, types.PricingModeDisabled:
	default:
		return fmt.Errorf("invalid pricing mode %q", m.mode)
	}
	if m.mode == types.PricingModeLive {
		if m.provider == nil {
			return fmt.Errorf("live pricing requires a tariff provider")
		}
		if v, ok := m.provider.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Mode returns the configured pricing mode.
func (m *Manager) Mode() types.PricingMode { return m.mode }

// Initialise primes the price data. In Live mode a fresh-enough cache file is
// used instead of the API to save a round trip on restart.
func (m *Manager) Initialise(ctx context.Context) error {
	if m.mode == types.PricingModeDisabled {
		return nil
	}
	if m.mode == types.PricingModeLive && m.cacheFile != "" {
		if fi, err := os.Stat(m.cacheFile); err == nil && m.now().Sub(fi.ModTime()) < m.refreshInterval {
			if err := m.loadCache(ctx); err == nil {
				m.nextRefresh = fi.ModTime().Add(m.refreshInterval)
				return nil
			}
		}
	}
	return m.Refresh(ctx)
}

// RefreshIfDue refreshes the price data once the refresh time has passed. It
// reports whether a refresh was attempted.
func (m *Manager) RefreshIfDue(ctx context.Context) (bool, error) {
	if m.mode == types.PricingModeDisabled {
		return false, nil
	}
	if m.now().Before(m.nextRefresh) {
		return false, nil
	}
	return true, m.Refresh(ctx)
}

// Refresh pulls fresh tariff data. On a fetch failure the manager falls back
// to cached data, shortens the retry interval to a minute, and returns
// ErrTooManyErrors once the consecutive error limit is hit.
func (m *Manager) Refresh(ctx context.Context) error {
	switch m.mode {
	case types.PricingModeDisabled:
		return nil
	case types.PricingModeOffline:
		m.nextRefresh = m.now().Add(m.refreshInterval)
		return m.loadCache(ctx)
	}

	if err := m.fetchLive(ctx); err != nil {
		m.concurrentErrors++
		m.nextRefresh = m.now().Add(errorRetryInterval)
		log.Named(ctx, "pricing").WarnContext(ctx, "tariff refresh failed, serving cached prices",
			slog.Any("error", err),
			slog.Int("concurrentErrors", m.concurrentErrors),
			slog.Time("nextAttempt", m.nextRefresh))
		if cacheErr := m.loadCache(ctx); cacheErr != nil {
			log.Named(ctx, "pricing").WarnContext(ctx, "no cached prices available", slog.Any("error", cacheErr))
		}
		if m.concurrentErrors >= m.maxConcurrentErrors {
			return fmt.Errorf("%w: %v", ErrTooManyErrors, err)
		}
		return nil
	}

	m.concurrentErrors = 0
	m.nextRefresh = m.now().Add(m.refreshInterval)
	log.Named(ctx, "pricing").DebugContext(ctx, "refreshed tariff prices",
		slog.Time("nextRefresh", m.nextRefresh))
	return nil
}

// NextRefresh returns when the next refresh is due.
func (m *Manager) NextRefresh() time.Time { return m.nextRefresh }

// IsChannelValid reports whether price data exists for the channel.
func (m *Manager) IsChannelValid(channel types.Channel) bool {
	_, ok := m.channels[channel]
	return ok
}

// Prices returns the chronological 5-minute slots for a channel.
func (m *Manager) Prices(channel types.Channel) []types.PriceSlot {
	if c, ok := m.channels[channel]; ok {
		return c.slots
	}
	return nil
}

// SortedPrices returns the channel's slots sorted ascending by price.
func (m *Manager) SortedPrices(channel types.Channel) []types.PriceSlot {
	if c, ok := m.channels[channel]; ok {
		return c.sorted
	}
	return nil
}

// GetCurrentPrice returns the price of the first slot for the channel, or 0
// when the channel has no data.
func (m *Manager) GetCurrentPrice(ctx context.Context, channel types.Channel) float64 {
	slots := m.Prices(channel)
	if len(slots) == 0 {
		log.Named(ctx, "pricing").WarnContext(ctx, "no price data for channel",
			slog.String("channel", string(channel)))
		return 0
	}
	return slots[0].Price
}

// GetAvailableTime returns the hours of forward price coverage for a channel.
func (m *Manager) GetAvailableTime(channel types.Channel) float64 {
	slots := m.Prices(channel)
	if len(slots) == 0 {
		return 0
	}
	start := m.now()
	if slots[0].Start.After(start) {
		start = slots[0].Start
	}
	d := slots[len(slots)-1].End.Sub(start).Hours()
	return max(0, d)
}

// GetRunPlan plans the request against the channel's cheapest slots.
func (m *Manager) GetRunPlan(ctx context.Context, channel types.Channel, req planner.Request) (types.RunPlan, error) {
	if m.mode == types.PricingModeDisabled {
		return types.RunPlan{}, ErrDisabled
	}
	req.Source = types.PlanSourceBestPrice
	req.Channel = channel
	req.Slots = m.SortedPrices(channel)
	req.Now = m.now()
	log.Named(ctx, "pricing").DebugContext(ctx, "calculating best price run plan",
		slog.String("channel", string(channel)),
		slog.Float64("requiredHours", req.RequiredHours),
		slog.Int("slots", len(req.Slots)))
	return planner.Build(ctx, req)
}

// fetchLive pulls the short and long term data sets and consolidates them.
func (m *Manager) fetchLive(ctx context.Context) error {
	if err := m.provider.Authenticate(ctx); err != nil {
		return err
	}
	shortTerm, err := m.provider.FetchPrices(ctx, shortTermResolution, shortTermIntervals)
	if err != nil {
		return err
	}
	longTerm, err := m.provider.FetchPrices(ctx, longTermResolution, longTermIntervals)
	if err != nil {
		return err
	}

	m.raw = consolidate(shortTerm, longTerm)
	m.rebuildSlots()
	if err := m.saveCache(ctx); err != nil {
		log.Named(ctx, "pricing").ErrorContext(ctx, "failed to save price cache", slog.Any("error", err))
	}
	return nil
}

// consolidate groups entries per channel: the short-term data first, then the
// long-term entries that start at or after the short-term coverage ends.
func consolidate(shortTerm, longTerm []Entry) []ChannelPrices {
	var order []types.Channel
	byChannel := make(map[types.Channel]*ChannelPrices)
	add := func(e Entry) {
		c, ok := byChannel[e.Channel]
		if !ok {
			order = append(order, e.Channel)
			c = &ChannelPrices{Name: e.Channel}
			byChannel[e.Channel] = c
		}
		// The channel is carried by the group, not the entry.
		e.Channel = ""
		c.Entries = append(c.Entries, e)
	}

	for _, e := range shortTerm {
		add(e)
	}
	for _, e := range longTerm {
		c, ok := byChannel[e.Channel]
		if ok && len(c.Entries) > 0 && e.Start.Before(c.Entries[len(c.Entries)-1].End) {
			continue
		}
		add(e)
	}

	out := make([]ChannelPrices, 0, len(order))
	for _, name := range order {
		out = append(out, *byChannel[name])
	}
	return out
}

// rebuildSlots expands the consolidated raw data into today's 5-minute slots
// per channel, starting from now rounded down to a 5-minute boundary, plus a
// price-sorted copy.
func (m *Manager) rebuildSlots() {
	now := m.now()
	firstStart := now.Truncate(time.Duration(types.PriceSlotIntervalMinutes) * time.Minute)
	todayY, todayM, todayD := now.Date()

	m.channels = make(map[types.Channel]*channelData)
	for _, channel := range m.raw {
		c := &channelData{}
		for _, entry := range channel.Entries {
			if entry.End.Before(firstStart) {
				continue
			}
			for start := entry.Start; start.Before(entry.End); start = start.Add(types.PriceSlotIntervalMinutes * time.Minute) {
				y, mo, d := start.Date()
				if y != todayY || mo != todayM || d != todayD {
					continue
				}
				if start.Before(firstStart) {
					continue
				}
				c.slots = append(c.slots, types.PriceSlot{
					Start:   start,
					End:     start.Add(types.PriceSlotIntervalMinutes * time.Minute),
					Minutes: types.PriceSlotIntervalMinutes,
					Price:   entry.Price,
				})
			}
		}
		c.sorted = append([]types.PriceSlot(nil), c.slots...)
		sort.SliceStable(c.sorted, func(i, j int) bool {
			return c.sorted[i].Price < c.sorted[j].Price
		})
		m.channels[channel.Name] = c
	}
}

func (m *Manager) saveCache(ctx context.Context) error {
	if m.cacheFile == "" {
		return nil
	}
	b, err := json.MarshalIndent(m.raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode price cache: %w", err)
	}
	if err := os.WriteFile(m.cacheFile, b, 0o644); err != nil {
		return fmt.Errorf("failed to write price cache: %w", err)
	}
	log.Named(ctx, "pricing").DebugContext(ctx, "saved price cache", slog.String("file", m.cacheFile))
	return nil
}

func (m *Manager) loadCache(ctx context.Context) error {
	if m.cacheFile == "" {
		return fmt.Errorf("no price cache file configured")
	}
	b, err := os.ReadFile(m.cacheFile)
	if err != nil {
		return fmt.Errorf("failed to read price cache: %w", err)
	}
	var raw []ChannelPrices
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("failed to decode price cache: %w", err)
	}
	m.raw = raw
	m.rebuildSlots()
	log.Named(ctx, "pricing").DebugContext(ctx, "loaded price cache",
		slog.String("file", m.cacheFile), slog.Int("channels", len(raw)))
	return nil
}
