package outputs

import (
	"context"
	"log/slog"
	"math"

	"github.com/relaypilot/relaypilot/pkg/device"
	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/planner"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// DeviceStatusUpdated notes online/offline transitions of the output's
// device; either direction invalidates the current run plan.
func (m *Manager) DeviceStatusUpdated(ctx context.Context, view *device.View) {
	if m.deviceID < 0 {
		return
	}
	online, err := view.DeviceOnline(m.deviceID)
	if err != nil {
		return
	}
	if m.lastOnlineKnown && online != m.lastOnline {
		m.invalidatePlan = true
		if online {
			log.Named(ctx, "outputs").DebugContext(ctx, "device back online",
				slog.String("output", m.cfg.Name))
		} else if dev, derr := view.Device(m.deviceID); derr != nil || !dev.ExpectOffline {
			log.Named(ctx, "outputs").WarnContext(ctx, "device went offline",
				slog.String("output", m.cfg.Name))
		}
	}
	m.lastOnline = online
	m.lastOnlineKnown = true
}

// CalculateRunningTotals feeds the latest readings into the run history and
// advances the current plan's remaining hours. A day rollover invalidates the
// plan.
func (m *Manager) CalculateRunningTotals(ctx context.Context, view *device.View) {
	status := m.statusData(ctx, view)
	m.lastKnownOn = status.On
	if m.history.Tick(ctx, status) {
		m.invalidatePlan = true
	}
	if m.plan != nil {
		planner.Tick(m.plan, m.now())
	}
}

// ReviewRunPlan regenerates the run plan when needed. It returns true when a
// usable plan is in place afterwards.
func (m *Manager) ReviewRunPlan(ctx context.Context, view *device.View) bool {
	if !m.newPlanNeeded(ctx, view) {
		return false
	}
	l := log.Named(ctx, "outputs").With(slog.String("output", m.cfg.Name))
	l.DebugContext(ctx, "generating new run plan")
	m.plan = nil

	req := planner.Request{
		MaxPrice:         m.cfg.MaxBestPrice,
		MaxPriorityPrice: m.cfg.MaxPriorityPrice,
		HourlyEnergyW:    m.history.HourlyEnergyUsed(),
		SlotMinMinutes:   m.cfg.SlotMinMinutes,
		SlotGapMinutes:   m.cfg.SlotGapMinutes,
	}

	actual := m.history.ActualHours()
	if m.allHours() {
		req.RequiredHours = -1
		req.PriorityHours = math.Max(0, m.cfg.MinHours-actual)
	} else {
		target, _ := m.targetHours(m.now())
		required := target - actual + m.history.PriorShortfall()
		required = math.Min(m.cfg.MaxHours, math.Max(0, required))
		req.RequiredHours = required
		req.PriorityHours = math.Max(0, math.Min(m.cfg.MinHours-actual, required))
	}

	if m.cfg.Mode == types.PlanSourceBestPrice {
		if m.cfg.ConstraintSchedule != "" {
			slots, err := m.scheduler.Slots(ctx, m.cfg.ConstraintSchedule)
			if err != nil {
				l.WarnContext(ctx, "failed to resolve constraint schedule", slog.Any("error", err))
			} else {
				req.ConstraintSlots = slots
			}
		}
		plan, err := m.pricing.GetRunPlan(ctx, m.cfg.AmberChannel, req)
		if err != nil {
			l.WarnContext(ctx, "best-price plan unavailable", slog.Any("error", err))
		} else {
			m.plan = &plan
		}
	}

	// Schedule mode, or the fallback when the tariff feed produced nothing.
	if m.plan == nil && m.cfg.Schedule != "" {
		req.ConstraintSlots = nil
		plan, err := m.scheduler.GetRunPlan(ctx, m.cfg.Schedule, req)
		if err != nil {
			l.WarnContext(ctx, "schedule plan failed", slog.Any("error", err))
		} else {
			m.plan = &plan
		}
	}

	now := m.now()
	switch {
	case m.plan == nil || m.plan.Status == types.PlanStatusFailed:
		m.nextPlanCheck = now.Add(types.FailedRunPlanCheckInterval)
		msg := "failed to generate run plan"
		if m.allHours() {
			l.WarnContext(ctx, msg, slog.Time("nextCheck", m.nextPlanCheck))
		} else {
			l.ErrorContext(ctx, msg, slog.Time("nextCheck", m.nextPlanCheck))
		}
	case m.plan.Status == types.PlanStatusPartial && !m.allHours():
		m.nextPlanCheck = now.Add(types.FailedRunPlanCheckInterval)
		l.WarnContext(ctx, "run plan only partially covers the target hours",
			slog.Float64("plannedHours", m.plan.PlannedHours),
			slog.Time("nextCheck", m.nextPlanCheck))
	default:
		m.nextPlanCheck = now.Add(types.RunPlanCheckInterval)
		l.DebugContext(ctx, "run plan generated",
			slog.String("status", string(m.plan.Status)),
			slog.Float64("plannedHours", m.plan.PlannedHours),
			slog.Time("nextCheck", m.nextPlanCheck))
	}

	m.invalidatePlan = false
	return m.plan != nil
}

// newPlanNeeded decides whether the plan must be regenerated this tick.
func (m *Manager) newPlanNeeded(ctx context.Context, view *device.View) bool {
	online, err := view.DeviceOnline(m.deviceID)
	if err != nil || !online {
		// Cannot plan for an offline device.
		return false
	}

	if m.invalidatePlan || m.plan == nil {
		return true
	}
	if m.plan.Status == types.PlanStatusNothing {
		return false
	}

	now := m.now()
	_, running := planner.CurrentSlot(m.plan, now)

	if running && m.cfg.Mode == types.PlanSourceBestPrice {
		price := m.pricing.GetCurrentPrice(ctx, m.cfg.AmberChannel)
		if m.lastPrice == 0 || price > m.lastPrice*1.1 {
			// Price rose by more than 10% while in an active slot; replan.
			m.lastPrice = price
			return true
		}
	}

	if !running && m.systemState == types.SystemStateAuto {
		if on, oerr := view.OutputState(m.outputID); oerr == nil && on {
			// The slot we were running under has ended or been dropped.
			return true
		}
	}

	return !now.Before(m.nextPlanCheck)
}
