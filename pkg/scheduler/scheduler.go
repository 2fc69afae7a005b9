// Package scheduler evaluates named operating schedules (fixed daily windows,
// optionally anchored to dawn/dusk) into priced time slots and run plans.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/planner"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// Window is one daily window of a schedule. StartTime and EndTime are either
// "HH:MM" or "dawn"/"dusk" with an optional "+HH:MM"/"-HH:MM" offset.
// DaysOfWeek is a comma-separated list of three-letter day names, or empty /
// "All" for every day.
type Window struct {
	StartTime  string  `yaml:"StartTime"`
	EndTime    string  `yaml:"EndTime"`
	Price      float64 `yaml:"Price"`
	DaysOfWeek string  `yaml:"DaysOfWeek"`
}

// Schedule is a named set of windows.
type Schedule struct {
	Name    string   `yaml:"Name"`
	Windows []Window `yaml:"Windows"`
}

// Config builds a Scheduler.
type Config struct {
	Schedules []Schedule
	Location  types.Location
	// DefaultPrice is used for windows without a price, in c/kWh. Zero means
	// types.DefaultPrice.
	DefaultPrice float64
}

// State is the scheduler portion of the persisted state file.
type State struct {
	Dawn time.Time `json:"dawn"`
	Dusk time.Time `json:"dusk"`
}

var offsetRe = regexp.MustCompile(`^([+-])(\d{2}):(\d{2})$`)

// Scheduler resolves schedules against today's dawn/dusk. Safe for use from a
// single goroutine.
type Scheduler struct {
	schedules    []Schedule
	defaultPrice float64
	tz           *time.Location
	lat, lon     float64

	dawn, dusk time.Time

	now func() time.Time
}

// New validates the schedules, resolves the timezone and computes today's
// dawn/dusk times.
func New(ctx context.Context, cfg Config) (*Scheduler, error) {
	tz, err := time.LoadLocation(cfg.Location.Timezone)
	if err != nil {
		return nil, fmt.Errorf("error loading timezone %q: %w", cfg.Location.Timezone, err)
	}
	for _, sched := range cfg.Schedules {
		if sched.Name == "" {
			return nil, fmt.Errorf("schedule with no name")
		}
		if len(sched.Windows) == 0 {
			return nil, fmt.Errorf("schedule %q has no windows", sched.Name)
		}
		for i, w := range sched.Windows {
			if w.StartTime == "" || w.EndTime == "" {
				return nil, fmt.Errorf("schedule %q window %d needs both a start and end time", sched.Name, i)
			}
		}
	}
	defaultPrice := cfg.DefaultPrice
	if defaultPrice <= 0 {
		defaultPrice = types.DefaultPrice
	}
	s := &Scheduler{
		schedules:    cfg.Schedules,
		defaultPrice: defaultPrice,
		tz:           tz,
		lat:          cfg.Location.Latitude,
		lon:          cfg.Location.Longitude,
		now:          time.Now,
	}
	s.refreshSunTimes(ctx, s.now().In(tz))
	return s, nil
}

// SetLocation updates the coordinates (for example after a device reported a
// better fix) and recomputes dawn/dusk.
func (s *Scheduler) SetLocation(ctx context.Context, loc types.Location) error {
	if loc.Timezone != "" {
		tz, err := time.LoadLocation(loc.Timezone)
		if err != nil {
			return fmt.Errorf("error loading timezone %q: %w", loc.Timezone, err)
		}
		s.tz = tz
	}
	s.lat = loc.Latitude
	s.lon = loc.Longitude
	// Force a recompute even though today's sun times are already cached.
	s.dawn = time.Time{}
	s.refreshSunTimes(ctx, s.now().In(s.tz))
	return nil
}

// State returns the persistable view of the scheduler.
func (s *Scheduler) State() State {
	return State{Dawn: s.dawn, Dusk: s.dusk}
}

// ScheduleByName looks up a schedule by its configured name.
func (s *Scheduler) ScheduleByName(name string) (Schedule, bool) {
	for _, sched := range s.schedules {
		if sched.Name == name {
			return sched, true
		}
	}
	return Schedule{}, false
}

// Slots returns today's remaining windows of the named schedule as priced
// slots: filtered to today's day-of-week, clipped to now-or-later, each
// carrying the window price or the default.
func (s *Scheduler) Slots(ctx context.Context, name string) ([]types.PriceSlot, error) {
	sched, ok := s.ScheduleByName(name)
	if !ok {
		return nil, fmt.Errorf("schedule %q not found", name)
	}
	return s.scheduleSlots(ctx, sched)
}

// GetRunPlan evaluates the named schedule and plans the request against its
// windows sorted cheapest-first.
func (s *Scheduler) GetRunPlan(ctx context.Context, name string, req planner.Request) (types.RunPlan, error) {
	slots, err := s.Slots(ctx, name)
	if err != nil {
		return types.RunPlan{}, err
	}
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Price < slots[j].Price
	})

	req.Source = types.PlanSourceSchedule
	req.Schedule = name
	req.Slots = slots
	req.Now = s.now().In(s.tz)
	log.Named(ctx, "scheduler").DebugContext(ctx, "calculating schedule run plan",
		slog.String("schedule", name),
		slog.Float64("requiredHours", req.RequiredHours),
		slog.Int("slots", len(slots)))
	return planner.Build(ctx, req)
}

// GetCurrentPrice returns the price of the window containing now, or the
// default price when no window is active or the schedule is unknown.
func (s *Scheduler) GetCurrentPrice(ctx context.Context, name string) float64 {
	slots, err := s.Slots(ctx, name)
	if err != nil {
		return s.defaultPrice
	}
	now := s.now().In(s.tz)
	for _, slot := range slots {
		if slot.Contains(now) {
			return slot.Price
		}
	}
	return s.defaultPrice
}

func (s *Scheduler) scheduleSlots(ctx context.Context, sched Schedule) ([]types.PriceSlot, error) {
	now := s.now().In(s.tz)
	now = now.Truncate(time.Minute)
	s.refreshSunTimes(ctx, now)

	weekday := now.Weekday().String()[:3]
	var slots []types.PriceSlot
	for i, w := range sched.Windows {
		if !windowActiveToday(w.DaysOfWeek, weekday) {
			continue
		}

		start, err := s.parseTime(w.StartTime, now)
		if err != nil {
			return nil, fmt.Errorf("schedule %q window %d: %w", sched.Name, i, err)
		}
		end, err := s.parseTime(w.EndTime, now)
		if err != nil {
			return nil, fmt.Errorf("schedule %q window %d: %w", sched.Name, i, err)
		}

		if !end.After(now) {
			// Window already over for today.
			continue
		}
		if start.Before(now) {
			start = now
		}
		if !end.After(start) {
			continue
		}

		price := w.Price
		if price <= 0 {
			price = s.defaultPrice
		}
		slots = append(slots, types.PriceSlot{
			Start:   start,
			End:     end,
			Minutes: int(end.Sub(start).Minutes()),
			Price:   price,
		})
	}
	return slots, nil
}

// parseTime resolves a window time string to a datetime on now's day.
func (s *Scheduler) parseTime(str string, now time.Time) (time.Time, error) {
	lower := strings.ToLower(str)
	if strings.HasPrefix(lower, "dawn") || strings.HasPrefix(lower, "dusk") {
		base := s.dawn
		if strings.HasPrefix(lower, "dusk") {
			base = s.dusk
		}
		offset := str[4:]
		if offset == "" {
			return base, nil
		}
		m := offsetRe.FindStringSubmatch(offset)
		if m == nil {
			return time.Time{}, fmt.Errorf("invalid dawn/dusk offset %q, use a format like dawn+00:10 or dusk-01:30", str)
		}
		var h, min int
		fmt.Sscanf(m[2], "%d", &h)
		fmt.Sscanf(m[3], "%d", &min)
		d := time.Duration(h)*time.Hour + time.Duration(min)*time.Minute
		if m[1] == "-" {
			d = -d
		}
		return base.Add(d), nil
	}

	t, err := time.ParseInLocation("15:04", str, s.tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, use a format like HH:MM: %w", str, err)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, s.tz), nil
}

// refreshSunTimes recomputes dawn/dusk when the day changes (or on first use).
func (s *Scheduler) refreshSunTimes(ctx context.Context, now time.Time) {
	if !s.dawn.IsZero() && sameDay(s.dawn, now) {
		return
	}
	times := suncalc.GetTimes(now, s.lat, s.lon)
	s.dawn = times["dawn"].Value.In(s.tz)
	s.dusk = times["dusk"].Value.In(s.tz)
	log.Named(ctx, "scheduler").DebugContext(ctx, "computed sun times",
		slog.Time("dawn", s.dawn), slog.Time("dusk", s.dusk))
}

func windowActiveToday(daysOfWeek, weekday string) bool {
	if daysOfWeek == "" || strings.EqualFold(daysOfWeek, "All") {
		return true
	}
	for _, d := range strings.Split(daysOfWeek, ",") {
		if strings.EqualFold(strings.TrimSpace(d), weekday) {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
