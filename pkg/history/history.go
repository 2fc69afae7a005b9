// Package history maintains the per-output day ledger: runs, energy, cost and
// multi-day rolling totals.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// Config bounds a RunHistory.
type Config struct {
	// DaysOfHistory is how many day records are kept before folding into the
	// earlier totals.
	DaysOfHistory int
	// MaxShortfallHours caps the shortfall carried forward from prior days.
	MaxShortfallHours float64
}

// RunHistory is the day-aware ledger for one output. It is not safe for
// concurrent use; the controller thread owns it.
type RunHistory struct {
	name  string
	cfg   Config
	state types.HistoryState

	lastTick time.Time

	// now is swapped out by tests.
	now func() time.Time
}

// New creates a RunHistory for the named output.
func New(name string, cfg Config) *RunHistory {
	if cfg.DaysOfHistory <= 0 {
		cfg.DaysOfHistory = 7
	}
	return &RunHistory{
		name: name,
		cfg:  cfg,
		now:  time.Now,
	}
}

// Restore replaces the ledger state, typically from the saved state file.
func (h *RunHistory) Restore(state types.HistoryState) {
	h.state = state
	h.refreshTotals()
}

// State returns a copy of the ledger state for persistence.
func (h *RunHistory) State() types.HistoryState {
	s := h.state
	s.Days = make([]types.DayRecord, len(h.state.Days))
	for i, d := range h.state.Days {
		d.Runs = append([]types.Run(nil), d.Runs...)
		s.Days[i] = d
	}
	return s
}

// Tick advances the ledger: detects a day rollover (splitting any open run
// across midnight with meter proration), accrues the open run, trims old days
// and refreshes totals. It returns true when a rollover happened.
func (h *RunHistory) Tick(ctx context.Context, status types.OutputStatus) bool {
	now := h.now()
	rolled := h.rolloverIfNeeded(ctx, status, now)

	if r := h.openRun(); r != nil {
		h.accrue(r, status, now)
	}
	h.trim()
	h.refreshTotals()
	h.lastTick = now
	return rolled
}

// StartRun opens a new run on today's record. If an open run already exists
// with the same state and reason this is a no-op; otherwise the open run is
// closed with a StatusChange before the new one starts.
func (h *RunHistory) StartRun(ctx context.Context, state types.SystemState, reason types.StateReasonOn, status types.OutputStatus) {
	now := h.now()
	day := h.ensureDay(dateOf(now), status)

	if r := h.openRun(); r != nil {
		if r.SystemState == state && r.ReasonStarted == reason {
			return
		}
		h.closeRun(r, types.ReasonOffStatusChange, status, now)
	}

	day = h.ensureDay(dateOf(now), status)
	day.Runs = append(day.Runs, types.Run{
		SystemState:    state,
		ReasonStarted:  reason,
		Start:          now,
		MeterAtStart:   status.MeterReading,
		PriorMeterRead: status.MeterReading,
	})
	log.Named(ctx, "history").DebugContext(ctx, "run started",
		slog.String("output", h.name),
		slog.String("state", string(state)),
		slog.String("reason", string(reason)))
	h.refreshTotals()
}

// StopRun closes the open run, if any, accruing the final meter delta.
func (h *RunHistory) StopRun(ctx context.Context, reason types.StateReasonOff, status types.OutputStatus) {
	r := h.openRun()
	if r == nil {
		return
	}
	h.closeRun(r, reason, status, h.now())
	log.Named(ctx, "history").DebugContext(ctx, "run stopped",
		slog.String("output", h.name),
		slog.String("reason", string(reason)))
	h.refreshTotals()
}

// ActualHours returns today's accumulated run hours.
func (h *RunHistory) ActualHours() float64 {
	if day := h.today(); day != nil {
		return day.ActualHours
	}
	return 0
}

// PriorShortfall sums target minus actual over completed prior days, capped
// at MaxShortfallHours. Days in "fill all remaining hours" mode carry none.
func (h *RunHistory) PriorShortfall() float64 {
	var shortfall float64
	for i := 0; i < len(h.state.Days)-1; i++ {
		day := h.state.Days[i]
		if day.TargetHours < 0 {
			continue
		}
		if day.TargetHours > day.ActualHours {
			shortfall += day.TargetHours - day.ActualHours
		}
	}
	if h.cfg.MaxShortfallHours > 0 && shortfall > h.cfg.MaxShortfallHours {
		shortfall = h.cfg.MaxShortfallHours
	}
	return shortfall
}

// HourlyEnergyUsed returns the recent average draw in Watts, derived from the
// kept days. Zero when there is no usable history.
func (h *RunHistory) HourlyEnergyUsed() float64 {
	var hours, energy float64
	for _, day := range h.state.Days {
		hours += day.ActualHours
		energy += day.EnergyWh
	}
	if hours <= 0 {
		return 0
	}
	return energy / hours
}

// Current, Earlier and Alltime expose the rolling totals.
func (h *RunHistory) Current() types.Totals { return h.state.Current }
func (h *RunHistory) Earlier() types.Totals { return h.state.Earlier }
func (h *RunHistory) Alltime() types.Totals { return h.state.Alltime }

// Running reports whether there is an open run.
func (h *RunHistory) Running() bool {
	return h.openRun() != nil
}

func (h *RunHistory) rolloverIfNeeded(ctx context.Context, status types.OutputStatus, now time.Time) bool {
	if len(h.state.Days) == 0 {
		return false
	}
	last := &h.state.Days[len(h.state.Days)-1]
	today := dateOf(now)
	if last.Date.Equal(today) {
		return false
	}

	r := h.openRun()
	if r == nil {
		h.ensureDay(today, status)
		return true
	}

	// Split the open run across midnight. The meter reading at the boundary
	// is prorated by time across the tick window.
	midnight := today
	boundaryMeter := r.PriorMeterRead
	if status.MeterReading > r.PriorMeterRead && r.PriorMeterRead > 0 && !h.lastTick.IsZero() {
		window := now.Sub(h.lastTick)
		if window > 0 {
			frac := midnight.Sub(h.lastTick).Seconds() / window.Seconds()
			boundaryMeter = r.PriorMeterRead + (status.MeterReading-r.PriorMeterRead)*frac
		}
	}

	boundaryStatus := status
	boundaryStatus.MeterReading = boundaryMeter
	dayEnd := last.Date.Add(24*time.Hour - time.Second)
	h.closeRun(r, types.ReasonOffDayEnd, boundaryStatus, dayEnd)
	state := r.SystemState

	day := h.ensureDay(today, status)
	day.Runs = append(day.Runs, types.Run{
		SystemState:    state,
		ReasonStarted:  types.ReasonOnDayStart,
		Start:          midnight,
		MeterAtStart:   boundaryMeter,
		PriorMeterRead: boundaryMeter,
	})
	log.Named(ctx, "history").DebugContext(ctx, "open run split across midnight",
		slog.String("output", h.name),
		slog.Float64("boundaryMeter", boundaryMeter))
	return true
}

func (h *RunHistory) ensureDay(date time.Time, status types.OutputStatus) *types.DayRecord {
	if len(h.state.Days) > 0 {
		last := &h.state.Days[len(h.state.Days)-1]
		if last.Date.Equal(date) {
			return last
		}
	}
	h.state.Days = append(h.state.Days, types.DayRecord{
		Date:        date,
		TargetHours: status.TargetHours,
	})
	// Snapshot the shortfall after the append so the just-completed day counts
	// as a prior day.
	day := &h.state.Days[len(h.state.Days)-1]
	day.PriorShortfall = h.PriorShortfall()
	return day
}

func (h *RunHistory) today() *types.DayRecord {
	if len(h.state.Days) == 0 {
		return nil
	}
	return &h.state.Days[len(h.state.Days)-1]
}

func (h *RunHistory) openRun() *types.Run {
	day := h.today()
	if day == nil || len(day.Runs) == 0 {
		return nil
	}
	r := &day.Runs[len(day.Runs)-1]
	if r.Open() {
		return r
	}
	return nil
}

func (h *RunHistory) closeRun(r *types.Run, reason types.StateReasonOff, status types.OutputStatus, end time.Time) {
	h.accrue(r, status, end)
	r.End = end
	r.ReasonStopped = reason
	r.ActualHours = end.Sub(r.Start).Hours()
}

// accrue applies the latest meter reading to the open run. Energy only ever
// increases; a meter that went backwards (reset) is ignored until it passes
// the prior reading again.
func (h *RunHistory) accrue(r *types.Run, status types.OutputStatus, now time.Time) {
	if status.MeterReading > r.PriorMeterRead && r.PriorMeterRead > 0 {
		delta := status.MeterReading - r.PriorMeterRead
		r.EnergyWh += delta
		r.TotalCost += delta * status.CurrentPrice / 100000
		r.PriorMeterRead = status.MeterReading
	}
	if r.EnergyWh > 0 {
		// TotalCost is dollars and EnergyWh is Wh, so c/kWh needs x100000.
		r.AveragePrice = r.TotalCost * 100000 / r.EnergyWh
	}
	if r.Open() {
		r.ActualHours = now.Sub(r.Start).Hours()
	}
}

func (h *RunHistory) trim() {
	for len(h.state.Days) > h.cfg.DaysOfHistory {
		oldest := h.state.Days[0]
		h.state.Earlier.Add(types.Totals{
			ActualHours: oldest.ActualHours,
			EnergyWh:    oldest.EnergyWh,
			TotalCost:   oldest.TotalCost,
		})
		h.state.Days = h.state.Days[1:]
	}
}

func (h *RunHistory) refreshTotals() {
	var current types.Totals
	for i := range h.state.Days {
		day := &h.state.Days[i]
		var hours, energy, cost float64
		for _, r := range day.Runs {
			hours += r.ActualHours
			energy += r.EnergyWh
			cost += r.TotalCost
		}
		day.ActualHours = hours
		day.EnergyWh = energy
		day.TotalCost = cost
		if energy > 0 {
			day.AveragePrice = cost * 100000 / energy
		} else {
			day.AveragePrice = 0
		}
		if day.TargetHours >= 0 {
			day.RemainingHours = max(0, day.TargetHours-day.ActualHours)
		}
		current.Add(types.Totals{ActualHours: hours, EnergyWh: energy, TotalCost: cost})
	}
	h.state.Current = current
	alltime := current
	alltime.Add(h.state.Earlier)
	h.state.Alltime = alltime
}

// dateOf returns midnight local time of t's day.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
