package outputs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaypilot/relaypilot/pkg/device"
	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/planner"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// EvaluateConditions derives the state the output should be in right now and
// returns the action to get there, or nil when no action is needed this tick.
// CalculateRunningTotals must have been called first. The sequences map holds
// the named OutputSequences from config.
func (m *Manager) EvaluateConditions(ctx context.Context, view *device.View, sequences map[string]types.SequenceRequest) *types.OutputAction {
	online, err := view.DeviceOnline(m.deviceID)
	if err != nil {
		online = false
	}
	outputOn, _ := view.OutputState(m.outputID)

	decided := false
	proposedOn := false
	sysState := types.SystemStateAuto
	var reasonOn types.StateReasonOn
	var reasonOff types.StateReasonOff

	// App override. Only honoured while the device is online.
	if online {
		if m.shouldRevertAppOverride(ctx) {
			m.appMode = types.AppModeAuto
			m.appModeRevertTime = time.Time{}
		} else if m.appMode == types.AppModeOn {
			decided, proposedOn = true, true
			sysState, reasonOn = types.SystemStateAppOverride, types.ReasonOnAppModeOn
		} else if m.appMode == types.AppModeOff {
			decided, proposedOn = true, false
			sysState, reasonOff = types.SystemStateAppOverride, types.ReasonOffAppModeOff
		}
	}

	// Physical input override.
	if !decided && online && m.inputID >= 0 {
		if inputOn, ierr := view.InputState(m.inputID); ierr == nil {
			if inputOn && m.cfg.DeviceInputMode == types.InputModeTurnOn {
				decided, proposedOn = true, true
				sysState, reasonOn = types.SystemStateInputOverride, types.ReasonOnInputSwitchOn
			}
			if !inputOn && m.cfg.DeviceInputMode == types.InputModeTurnOff {
				decided, proposedOn = true, false
				sysState, reasonOff = types.SystemStateInputOverride, types.ReasonOffInputSwitchOff
			}
		}
	}

	// Excluded dates.
	if !decided && m.todayExcluded() {
		decided, proposedOn = true, false
		sysState, reasonOff = types.SystemStateDateOff, types.ReasonOffDateOff
	}

	// Auto: follow the run plan.
	if !decided {
		sysState = types.SystemStateAuto
		switch {
		case !online:
			proposedOn, reasonOff = false, types.ReasonOffDeviceOffline
		case m.plan == nil || m.plan.Status == types.PlanStatusFailed:
			proposedOn, reasonOff = false, types.ReasonOffNoRunPlan
		case m.plan.Status == types.PlanStatusNothing:
			proposedOn, reasonOff = false, types.ReasonOffRunPlanComplete
		default:
			if _, running := planner.CurrentSlot(m.plan, m.now()); running {
				proposedOn, reasonOn = true, types.ReasonOnActiveRunPlan
			} else {
				proposedOn, reasonOff = false, types.ReasonOffInactiveRunPlan
			}
		}
	}

	// Cross-cutting guards, only in Auto.
	if sysState == types.SystemStateAuto && proposedOn && m.parent != nil {
		if parentOn, perr := view.OutputState(m.parent.outputID); perr != nil || !parentOn {
			proposedOn, reasonOff = false, types.ReasonOffParentOff
		}
	}
	if sysState == types.SystemStateAuto && proposedOn && m.tempConstraintActive(ctx, view) {
		proposedOn, reasonOff = false, types.ReasonOffTempProbeConstraint
	}

	if sysState == types.SystemStateAuto && m.holdForMinimumRuntime(ctx, proposedOn, online, outputOn) {
		if outputOn {
			m.reasonOn, m.reasonOff = types.ReasonOnMinOnTime, ""
		} else {
			m.reasonOn, m.reasonOff = "", types.ReasonOffMinOffTime
		}
		return nil
	}

	if proposedOn && !online {
		log.Named(ctx, "outputs").ErrorContext(ctx, "refusing to turn on an offline device",
			slog.String("output", m.cfg.Name))
		return nil
	}
	return m.formulateAction(sysState, reasonOn, reasonOff, proposedOn, online, outputOn, sequences)
}

// formulateAction builds the OutputAction for the desired state, using a named
// sequence from config when one is set, else a synthetic single-step change.
// When the physical output already matches, the action degrades to a pure
// state update with no device write.
func (m *Manager) formulateAction(sysState types.SystemState, reasonOn types.StateReasonOn, reasonOff types.StateReasonOff, proposedOn, online, outputOn bool, sequences map[string]types.SequenceRequest) *types.OutputAction {
	key := m.cfg.TurnOffSequence
	if proposedOn {
		key = m.cfg.TurnOnSequence
	}
	var req *types.SequenceRequest
	if key != "" {
		if seq, ok := sequences[key]; ok {
			req = &seq
		}
	}
	if req == nil {
		req = &types.SequenceRequest{
			Label:   fmt.Sprintf("change output %s to %t", m.cfg.DeviceOutput, proposedOn),
			Timeout: 10 * time.Second,
			Steps: []types.SequenceStep{{
				Kind:         types.StepChangeOutput,
				OutputID:     m.outputID,
				State:        proposedOn,
				Retries:      2,
				RetryBackoff: time.Second,
			}},
		}
	}

	action := &types.OutputAction{
		SystemState: sysState,
		ReasonOn:    reasonOn,
		ReasonOff:   reasonOff,
		Request:     req,
	}
	if proposedOn {
		action.Type = types.ActionTurnOn
		if outputOn {
			action.Type = types.ActionUpdateOnState
		}
	} else {
		action.Type = types.ActionTurnOff
		if !outputOn || !online {
			action.Type = types.ActionUpdateOffState
		}
	}
	return action
}

// ShutdownAction builds the off action used when the process is stopping and
// the output must not stay on.
func (m *Manager) ShutdownAction(sequences map[string]types.SequenceRequest) *types.OutputAction {
	return m.formulateAction(types.SystemStateAuto, "", types.ReasonOffShutdown, false, true, true, sequences)
}

// shouldRevertAppOverride reports whether an On/Off app override has passed
// its revert time and should fall back to Auto.
func (m *Manager) shouldRevertAppOverride(ctx context.Context) bool {
	if m.appModeRevertTime.IsZero() || m.now().Before(m.appModeRevertTime) {
		return false
	}
	if m.systemState != types.SystemStateAppOverride {
		return false
	}
	l := log.Named(ctx, "outputs").With(slog.String("output", m.cfg.Name))
	if m.appMode == types.AppModeOn && m.reasonOn == types.ReasonOnAppModeOn {
		l.DebugContext(ctx, "reverting app override to auto",
			slog.Duration("onFor", m.now().Sub(m.lastTurnedOn)))
		return true
	}
	if m.appMode == types.AppModeOff && m.reasonOff == types.ReasonOffAppModeOff {
		l.DebugContext(ctx, "reverting app override to auto",
			slog.Duration("offFor", m.now().Sub(m.lastTurnedOff)))
		return true
	}
	return false
}

// tempConstraintActive reports whether any temperature probe constraint
// currently forbids running.
func (m *Manager) tempConstraintActive(ctx context.Context, view *device.View) bool {
	for i, c := range m.cfg.TempProbeConstraints {
		probe, err := view.TempProbe(m.probeIDs[i])
		if err != nil {
			continue
		}

		if c.Condition == types.TempGreaterThan {
			if probe.TempC == nil || *probe.TempC < c.Temperature {
				return true
			}
			continue
		}

		if probe.TempC == nil {
			log.Named(ctx, "outputs").DebugContext(ctx, "temperature probe reading unavailable",
				slog.String("output", m.cfg.Name), slog.String("probe", c.TempProbe))
			continue
		}
		if *probe.TempC > c.Temperature {
			return true
		}
	}
	return false
}

// holdForMinimumRuntime reports whether the proposed transition must wait for
// MinOnTime/MinOffTime to elapse.
func (m *Manager) holdForMinimumRuntime(ctx context.Context, proposedOn, online, outputOn bool) bool {
	if !online {
		return false
	}
	now := m.now()
	l := log.Named(ctx, "outputs").With(slog.String("output", m.cfg.Name))

	if !proposedOn && outputOn && m.cfg.MinOnTime > 0 && !m.lastTurnedOn.IsZero() {
		onFor := now.Sub(m.lastTurnedOn)
		if minOn := time.Duration(m.cfg.MinOnTime) * time.Minute; onFor < minOn {
			l.DebugContext(ctx, "holding output on until MinOnTime elapses",
				slog.Duration("remaining", minOn-onFor))
			return true
		}
	}
	if proposedOn && !outputOn && m.cfg.MinOffTime > 0 && !m.lastTurnedOff.IsZero() {
		offFor := now.Sub(m.lastTurnedOff)
		if minOff := time.Duration(m.cfg.MinOffTime) * time.Minute; offFor < minOff {
			l.DebugContext(ctx, "holding output off until MinOffTime elapses",
				slog.Duration("remaining", minOff-offFor))
			return true
		}
	}
	return false
}

// SetAppMode applies an override requested through the admin surface. A
// revert time is set from revertMinutes, falling back to the configured
// MaxAppOnTime/MaxAppOffTime.
func (m *Manager) SetAppMode(ctx context.Context, view *device.View, mode types.AppMode, revertMinutes int) error {
	switch mode {
	case types.AppModeOn, types.AppModeOff, types.AppModeAuto:
	default:
		return fmt.Errorf("invalid app mode %q for output %q", mode, m.cfg.Name)
	}
	online, err := view.DeviceOnline(m.deviceID)
	if err != nil || !online {
		return fmt.Errorf("cannot set app mode for output %q: device is offline", m.cfg.Name)
	}
	if mode == m.appMode {
		return nil
	}

	m.appModeRevertTime = time.Time{}
	if mode != types.AppModeAuto {
		revert := revertMinutes
		if revert <= 0 {
			if mode == types.AppModeOn {
				revert = m.cfg.MaxAppOnTime
			} else {
				revert = m.cfg.MaxAppOffTime
			}
		}
		if revert > 0 {
			m.appModeRevertTime = m.now().Add(time.Duration(revert) * time.Minute)
		}
	}
	m.appMode = mode

	l := log.Named(ctx, "outputs").With(slog.String("output", m.cfg.Name))
	l.DebugContext(ctx, "app mode changed", slog.String("mode", string(mode)))
	if !m.appModeRevertTime.IsZero() {
		l.DebugContext(ctx, "app mode will revert to auto", slog.Time("at", m.appModeRevertTime))
	}
	return nil
}

// RecordActionRequest notes that an action has been submitted to the worker.
func (m *Manager) RecordActionRequest(action *types.OutputAction) {
	m.pending = action
}

// ActionRequest returns the in-flight action, or nil.
func (m *Manager) ActionRequest() *types.OutputAction {
	return m.pending
}

// ClearActionRequest forgets the in-flight action.
func (m *Manager) ClearActionRequest() {
	m.pending = nil
}

// ActionRequestFailed logs the failure of the in-flight action and clears it.
func (m *Manager) ActionRequestFailed(ctx context.Context, errMsg string) {
	if m.pending == nil {
		log.Named(ctx, "outputs").ErrorContext(ctx, "action failure reported with no action in flight",
			slog.String("output", m.cfg.Name))
		return
	}
	log.Named(ctx, "outputs").ErrorContext(ctx, "output action failed",
		slog.String("output", m.cfg.Name),
		slog.String("action", string(m.pending.Type)),
		slog.String("error", errMsg))
	m.pending = nil
}

// RecordActionComplete applies a completed action to the output's state and
// run history.
func (m *Manager) RecordActionComplete(ctx context.Context, action *types.OutputAction, view *device.View) {
	m.pending = nil
	now := m.now()
	l := log.Named(ctx, "outputs").With(slog.String("output", m.cfg.Name))

	switch action.Type {
	case types.ActionTurnOn:
		m.lastTurnedOn = now
		l.InfoContext(ctx, "output turned on", slog.String("reason", string(action.ReasonOn)))
	case types.ActionTurnOff:
		m.lastTurnedOff = now
		l.InfoContext(ctx, "output turned off", slog.String("reason", string(action.ReasonOff)))
	}

	if action.On() {
		if m.systemState != action.SystemState || m.reasonOn != action.ReasonOn || m.reasonOff != "" {
			m.systemState = action.SystemState
			m.reasonOn, m.reasonOff = action.ReasonOn, ""
			m.lastChanged = now
			m.lastKnownOn = true
			m.history.StartRun(ctx, action.SystemState, action.ReasonOn, m.statusData(ctx, view))
		}
		return
	}

	if m.systemState != action.SystemState || m.reasonOff != action.ReasonOff || m.reasonOn != "" {
		m.systemState = action.SystemState
		m.reasonOff, m.reasonOn = action.ReasonOff, ""
		m.lastChanged = now
		m.lastKnownOn = false
		m.history.StopRun(ctx, action.ReasonOff, m.statusData(ctx, view))
	}
}
