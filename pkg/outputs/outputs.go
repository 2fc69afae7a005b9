// Package outputs implements the per-output state machine: each Manager owns
// one relay output, its run plan, its run history and the decision of whether
// the output should be on right now.
package outputs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaypilot/relaypilot/pkg/device"
	"github.com/relaypilot/relaypilot/pkg/history"
	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/pricing"
	"github.com/relaypilot/relaypilot/pkg/scheduler"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// DateRange is an inclusive range of calendar dates ("2006-01-02") during
// which the output stays off.
type DateRange struct {
	StartDate string `yaml:"StartDate"`
	EndDate   string `yaml:"EndDate"`
}

// TempConstraint blocks turning on while a probe reading violates the
// condition. GreaterThan requires the probe to read at or above Temperature
// (a missing reading blocks); LessThan requires at or below (a missing
// reading is ignored).
type TempConstraint struct {
	TempProbe   string              `yaml:"TempProbe"`
	Condition   types.TempCondition `yaml:"Condition"`
	Temperature float64             `yaml:"Temperature"`
}

// Config is one entry of the Outputs config list.
type Config struct {
	Name         string           `yaml:"Name"`
	DeviceOutput string           `yaml:"DeviceOutput"`
	Mode         types.PlanSource `yaml:"Mode"`

	// Schedule is required in Schedule mode and is the fallback plan source in
	// BestPrice mode. ConstraintSchedule limits best-price slots to its
	// windows.
	Schedule           string        `yaml:"Schedule"`
	ConstraintSchedule string        `yaml:"ConstraintSchedule"`
	AmberChannel       types.Channel `yaml:"AmberChannel"`

	// TargetHours is the daily run target. -1 means run for all remaining
	// hours of the day. MonthlyTargetHours overrides it per month name.
	TargetHours        float64            `yaml:"TargetHours"`
	MonthlyTargetHours map[string]float64 `yaml:"MonthlyTargetHours"`
	MinHours           float64            `yaml:"MinHours"`
	MaxHours           float64            `yaml:"MaxHours"`
	MaxShortfallHours  float64            `yaml:"MaxShortfallHours"`
	DaysOfHistory      int                `yaml:"DaysOfHistory"`

	// MaxBestPrice and MaxPriorityPrice are ceilings in c/kWh.
	MaxBestPrice     float64 `yaml:"MaxBestPrice"`
	MaxPriorityPrice float64 `yaml:"MaxPriorityPrice"`

	SlotMinMinutes int `yaml:"SlotMinMinutes"`
	SlotGapMinutes int `yaml:"SlotGapMinutes"`

	DatesOff []DateRange `yaml:"DatesOff"`

	DeviceMeter     string          `yaml:"DeviceMeter"`
	DeviceInput     string          `yaml:"DeviceInput"`
	DeviceInputMode types.InputMode `yaml:"DeviceInputMode"`
	ParentOutput    string          `yaml:"ParentOutput"`

	StopOnExit bool `yaml:"StopOnExit"`

	// MinOnTime and MinOffTime are dwell times in minutes.
	MinOnTime  int `yaml:"MinOnTime"`
	MinOffTime int `yaml:"MinOffTime"`
	// MaxAppOnTime and MaxAppOffTime are the default revert times (minutes)
	// for app overrides that do not specify one. Zero means no auto-revert.
	MaxAppOnTime  int `yaml:"MaxAppOnTime"`
	MaxAppOffTime int `yaml:"MaxAppOffTime"`

	TurnOnSequence  string `yaml:"TurnOnSequence"`
	TurnOffSequence string `yaml:"TurnOffSequence"`

	TempProbeConstraints []TempConstraint `yaml:"TempProbeConstraints"`
}

// Deps are the shared managers an output depends on. Pricing may be nil when
// the tariff feed is disabled.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Pricing   *pricing.Manager
	History   *history.RunHistory
}

// Manager drives one output. It is owned by the controller goroutine and is
// not safe for concurrent use.
type Manager struct {
	cfg       Config
	scheduler *scheduler.Scheduler
	pricing   *pricing.Manager
	history   *history.RunHistory

	deviceID int
	outputID int
	inputID  int
	meterID  int
	// probeIDs is indexed like cfg.TempProbeConstraints.
	probeIDs []int

	parent *Manager

	systemState types.SystemState
	reasonOn    types.StateReasonOn
	reasonOff   types.StateReasonOff
	lastKnownOn bool

	appMode           types.AppMode
	appModeRevertTime time.Time

	lastChanged   time.Time
	lastTurnedOn  time.Time
	lastTurnedOff time.Time

	plan           *types.RunPlan
	invalidatePlan bool
	nextPlanCheck  time.Time
	lastPrice      float64

	lastOnline      bool
	lastOnlineKnown bool

	pending *types.OutputAction

	now func() time.Time
}

// New validates the config and creates a Manager. Device component names are
// resolved later by Initialise, once a snapshot exists.
func New(cfg Config, deps Deps) (*Manager, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("output with no name")
	}
	if cfg.DeviceOutput == "" {
		return nil, fmt.Errorf("output %q has no DeviceOutput", cfg.Name)
	}
	switch cfg.Mode {
	case types.PlanSourceSchedule:
		if cfg.Schedule == "" {
			return nil, fmt.Errorf("output %q is in Schedule mode but has no Schedule", cfg.Name)
		}
	case types.PlanSourceBestPrice:
		if deps.Pricing == nil {
			return nil, fmt.Errorf("output %q is in BestPrice mode but pricing is not configured", cfg.Name)
		}
		if cfg.AmberChannel == "" {
			cfg.AmberChannel = types.ChannelGeneral
		}
	default:
		return nil, fmt.Errorf("output %q has invalid Mode %q", cfg.Name, cfg.Mode)
	}
	if cfg.MaxHours <= 0 {
		cfg.MaxHours = 24
	}
	if cfg.TargetHours != -1 && (cfg.TargetHours < 0 || cfg.TargetHours > 24) {
		return nil, fmt.Errorf("output %q TargetHours %.1f out of range (-1 or 0..24)", cfg.Name, cfg.TargetHours)
	}
	if cfg.MinHours < 0 || cfg.MinHours > cfg.MaxHours {
		return nil, fmt.Errorf("output %q MinHours %.1f out of range (0..MaxHours)", cfg.Name, cfg.MinHours)
	}
	if cfg.MaxBestPrice <= 0 {
		return nil, fmt.Errorf("output %q needs a positive MaxBestPrice", cfg.Name)
	}
	if cfg.MaxPriorityPrice <= 0 {
		cfg.MaxPriorityPrice = cfg.MaxBestPrice
	}
	switch cfg.DeviceInputMode {
	case "", types.InputModeIgnore, types.InputModeTurnOn, types.InputModeTurnOff:
	default:
		return nil, fmt.Errorf("output %q has invalid DeviceInputMode %q", cfg.Name, cfg.DeviceInputMode)
	}
	for _, rng := range cfg.DatesOff {
		for _, d := range []string{rng.StartDate, rng.EndDate} {
			if _, err := time.Parse("2006-01-02", d); err != nil {
				return nil, fmt.Errorf("output %q has invalid DatesOff date %q: %w", cfg.Name, d, err)
			}
		}
	}
	for _, c := range cfg.TempProbeConstraints {
		if c.Condition != types.TempGreaterThan && c.Condition != types.TempLessThan {
			return nil, fmt.Errorf("output %q has invalid temp probe condition %q", cfg.Name, c.Condition)
		}
		if c.TempProbe == "" {
			return nil, fmt.Errorf("output %q has a temp probe constraint with no probe", cfg.Name)
		}
	}

	h := deps.History
	if h == nil {
		h = history.New(cfg.Name, history.Config{
			DaysOfHistory:     cfg.DaysOfHistory,
			MaxShortfallHours: cfg.MaxShortfallHours,
		})
	}
	return &Manager{
		cfg:         cfg,
		scheduler:   deps.Scheduler,
		pricing:     deps.Pricing,
		history:     h,
		deviceID:    -1,
		outputID:    -1,
		inputID:     -1,
		meterID:     -1,
		systemState: types.SystemStateAuto,
		appMode:     types.AppModeAuto,
		now:         time.Now,
	}, nil
}

// Initialise resolves the configured device component names against the view.
// Called at startup and again whenever the worker flags a reinitialise.
func (m *Manager) Initialise(ctx context.Context, view *device.View) error {
	outID, err := view.OutputID(m.cfg.DeviceOutput)
	if err != nil {
		return fmt.Errorf("output %q: %w", m.cfg.Name, err)
	}
	port, err := view.Output(outID)
	if err != nil {
		return fmt.Errorf("output %q: %w", m.cfg.Name, err)
	}
	m.outputID = outID
	m.deviceID = port.DeviceID

	m.inputID = -1
	if m.cfg.DeviceInput != "" {
		if m.inputID, err = view.InputID(m.cfg.DeviceInput); err != nil {
			return fmt.Errorf("output %q: %w", m.cfg.Name, err)
		}
	}
	m.meterID = -1
	if m.cfg.DeviceMeter != "" {
		if m.meterID, err = view.MeterID(m.cfg.DeviceMeter); err != nil {
			return fmt.Errorf("output %q: %w", m.cfg.Name, err)
		}
	}
	m.probeIDs = make([]int, len(m.cfg.TempProbeConstraints))
	for i, c := range m.cfg.TempProbeConstraints {
		if m.probeIDs[i], err = view.TempProbeID(c.TempProbe); err != nil {
			return fmt.Errorf("output %q: %w", m.cfg.Name, err)
		}
	}

	if online, err := view.DeviceOnline(m.deviceID); err == nil {
		m.lastOnline = online
		m.lastOnlineKnown = true
	}
	log.Named(ctx, "outputs").DebugContext(ctx, "output initialised",
		slog.String("output", m.cfg.Name),
		slog.Int("outputID", m.outputID),
		slog.Int("deviceID", m.deviceID))
	return nil
}

// LinkParents resolves ParentOutput references, rejects unknown parents,
// self-parenting and cycles, and returns the managers ordered parents-first.
func LinkParents(ctx context.Context, managers []*Manager) ([]*Manager, error) {
	byName := make(map[string]*Manager, len(managers))
	for _, m := range managers {
		if _, dup := byName[m.cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate output name %q", m.cfg.Name)
		}
		byName[m.cfg.Name] = m
	}
	for _, m := range managers {
		if m.cfg.ParentOutput == "" {
			continue
		}
		parent, ok := byName[m.cfg.ParentOutput]
		if !ok {
			return nil, fmt.Errorf("output %q has unknown parent %q", m.cfg.Name, m.cfg.ParentOutput)
		}
		if parent == m {
			return nil, fmt.Errorf("output %q cannot be its own parent", m.cfg.Name)
		}
		if m.cfg.MinHours > parent.cfg.MinHours {
			log.Named(ctx, "outputs").WarnContext(ctx, "output has MinHours greater than its parent",
				slog.String("output", m.cfg.Name), slog.String("parent", parent.cfg.Name))
		}
		if m.cfg.MaxHours > parent.cfg.MaxHours {
			log.Named(ctx, "outputs").WarnContext(ctx, "output has MaxHours greater than its parent",
				slog.String("output", m.cfg.Name), slog.String("parent", parent.cfg.Name))
		}
		m.parent = parent
	}

	sorted := make([]*Manager, len(managers))
	copy(sorted, managers)
	for _, m := range sorted {
		if _, err := m.depth(); err != nil {
			return nil, err
		}
	}
	// Parents before children. Stable insertion by depth keeps the config
	// order within a level.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0; j-- {
			dj, _ := sorted[j].depth()
			dp, _ := sorted[j-1].depth()
			if dj >= dp {
				break
			}
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted, nil
}

func (m *Manager) depth() (int, error) {
	depth := 0
	for p := m.parent; p != nil; p = p.parent {
		depth++
		if depth > 32 {
			return 0, fmt.Errorf("parent cycle detected at output %q", m.cfg.Name)
		}
	}
	return depth, nil
}

// Name returns the output's configured name.
func (m *Manager) Name() string { return m.cfg.Name }

// Config returns the output's config.
func (m *Manager) Config() Config { return m.cfg }

// SystemState returns the current control state.
func (m *Manager) SystemState() types.SystemState { return m.systemState }

// Reason returns the current on or off reason as a string.
func (m *Manager) Reason() string {
	if m.lastKnownOn {
		return string(m.reasonOn)
	}
	return string(m.reasonOff)
}

// AppMode returns the current app override mode.
func (m *Manager) AppMode() types.AppMode { return m.appMode }

// Plan returns the current run plan, or nil.
func (m *Manager) Plan() *types.RunPlan { return m.plan }

// History returns the output's run history ledger.
func (m *Manager) History() *history.RunHistory { return m.history }

// DeviceID returns the ID of the device carrying this output, or -1 before
// Initialise.
func (m *Manager) DeviceID() int { return m.deviceID }

// InvalidatePlan forces a regeneration at the next ReviewRunPlan, typically
// after a config reload.
func (m *Manager) InvalidatePlan() { m.invalidatePlan = true }

// Shutdown reports whether the physical output must be switched off before
// the process exits.
func (m *Manager) Shutdown(view *device.View) bool {
	if !m.cfg.StopOnExit {
		return false
	}
	online, err := view.DeviceOnline(m.deviceID)
	if err != nil || !online {
		return false
	}
	on, err := view.OutputState(m.outputID)
	return err == nil && on
}

// allHours reports whether the output runs in "all remaining hours" mode.
func (m *Manager) allHours() bool {
	return m.cfg.TargetHours == -1
}

// targetHours resolves the daily target for the given date: the monthly
// override when present, else TargetHours, clamped to MaxHours. The second
// return is false in all-hours mode.
func (m *Manager) targetHours(date time.Time) (float64, bool) {
	if m.allHours() {
		return 0, false
	}
	target := m.cfg.TargetHours
	if hours, ok := m.cfg.MonthlyTargetHours[date.Month().String()]; ok {
		target = hours
	}
	return min(target, m.cfg.MaxHours), true
}

// currentPrice returns the price in effect right now, falling back from the
// tariff feed to the schedule's price.
func (m *Manager) currentPrice(ctx context.Context) float64 {
	if m.cfg.Mode == types.PlanSourceBestPrice && m.pricing != nil {
		if price := m.pricing.GetCurrentPrice(ctx, m.cfg.AmberChannel); price != 0 {
			return price
		}
	}
	return m.scheduler.GetCurrentPrice(ctx, m.cfg.Schedule)
}

// statusData gathers the per-tick readings the run history accrues.
func (m *Manager) statusData(ctx context.Context, view *device.View) types.OutputStatus {
	status := types.OutputStatus{
		TargetHours:  -1,
		CurrentPrice: m.currentPrice(ctx),
	}
	if target, ok := m.targetHours(m.now()); ok {
		status.TargetHours = target
	}
	if on, err := view.OutputState(m.outputID); err == nil {
		status.On = on
	}
	if m.meterID >= 0 {
		if meter, err := view.Meter(m.meterID); err == nil {
			status.MeterReading = meter.EnergyWh
			status.PowerW = meter.PowerW
		}
	}
	return status
}

// todayExcluded reports whether today falls in a DatesOff range. ISO dates
// compare correctly as strings.
func (m *Manager) todayExcluded() bool {
	today := m.now().Format("2006-01-02")
	for _, rng := range m.cfg.DatesOff {
		if rng.StartDate <= today && today <= rng.EndDate {
			return true
		}
	}
	return false
}

// State is the persisted portion of a Manager.
type State struct {
	Name              string               `json:"name"`
	SystemState       types.SystemState    `json:"systemState"`
	IsOn              bool                 `json:"isOn"`
	ReasonOn          types.StateReasonOn  `json:"reasonOn,omitempty"`
	ReasonOff         types.StateReasonOff `json:"reasonOff,omitempty"`
	AppMode           types.AppMode        `json:"appMode"`
	AppModeRevertTime time.Time            `json:"appModeRevertTime,omitzero"`
	LastChanged       time.Time            `json:"lastChanged,omitzero"`
	LastTurnedOn      time.Time            `json:"lastTurnedOn,omitzero"`
	LastTurnedOff     time.Time            `json:"lastTurnedOff,omitzero"`
	Mode              types.PlanSource     `json:"mode"`
	Schedule          string               `json:"schedule,omitempty"`
	AmberChannel      types.Channel        `json:"amberChannel,omitempty"`
	DeviceOutput      string               `json:"deviceOutput"`
	ParentOutput      string               `json:"parentOutput,omitempty"`
	MaxBestPrice      float64              `json:"maxBestPrice"`
	MaxPriorityPrice  float64              `json:"maxPriorityPrice"`
	TargetHours       float64              `json:"targetHours"`
	MinHours          float64              `json:"minHours"`
	MaxHours          float64              `json:"maxHours"`
	RunPlan           *types.RunPlan       `json:"runPlan,omitempty"`
	RunHistory        types.HistoryState   `json:"runHistory"`
}

// State captures the Manager for the persisted state file.
func (m *Manager) State() State {
	return State{
		Name:              m.cfg.Name,
		SystemState:       m.systemState,
		IsOn:              m.lastKnownOn,
		ReasonOn:          m.reasonOn,
		ReasonOff:         m.reasonOff,
		AppMode:           m.appMode,
		AppModeRevertTime: m.appModeRevertTime,
		LastChanged:       m.lastChanged,
		LastTurnedOn:      m.lastTurnedOn,
		LastTurnedOff:     m.lastTurnedOff,
		Mode:              m.cfg.Mode,
		Schedule:          m.cfg.Schedule,
		AmberChannel:      m.cfg.AmberChannel,
		DeviceOutput:      m.cfg.DeviceOutput,
		ParentOutput:      m.cfg.ParentOutput,
		MaxBestPrice:      m.cfg.MaxBestPrice,
		MaxPriorityPrice:  m.cfg.MaxPriorityPrice,
		TargetHours:       m.cfg.TargetHours,
		MinHours:          m.cfg.MinHours,
		MaxHours:          m.cfg.MaxHours,
		RunPlan:           m.plan,
		RunHistory:        m.history.State(),
	}
}

// Restore rehydrates the Manager from a saved state. Config-derived fields
// are kept from the live config; only runtime state is restored.
func (m *Manager) Restore(state State) {
	m.systemState = state.SystemState
	m.lastKnownOn = state.IsOn
	m.reasonOn = state.ReasonOn
	m.reasonOff = state.ReasonOff
	m.appMode = state.AppMode
	m.appModeRevertTime = state.AppModeRevertTime
	m.lastChanged = state.LastChanged
	m.lastTurnedOn = state.LastTurnedOn
	m.lastTurnedOff = state.LastTurnedOff
	m.plan = state.RunPlan
	m.history.Restore(state.RunHistory)
	// A restart invalidates any plan built from stale prices.
	m.invalidatePlan = true
}
