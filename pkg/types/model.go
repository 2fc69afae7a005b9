package types

import "time"

const (
	// SchemaVersion is the version of the persisted state schema we read and write.
	SchemaVersion = 1

	// StateFileType identifies our saved-state documents.
	StateFileType = "PowerController"

	// PriceSlotIntervalMinutes is the granularity the tariff feed is expanded to.
	PriceSlotIntervalMinutes = 5

	// DefaultPrice is the price (c/kWh) assumed for schedule windows without one.
	DefaultPrice = 30.0

	// RunPlanCheckInterval is how often a healthy run plan is regenerated.
	RunPlanCheckInterval = 30 * time.Minute

	// FailedRunPlanCheckInterval is how often a failed or partial run plan is
	// regenerated.
	FailedRunPlanCheckInterval = 10 * time.Minute
)

// AppMode is an override mode requested through the admin surface.
type AppMode string

const (
	AppModeOn   AppMode = "on"
	AppModeOff  AppMode = "off"
	AppModeAuto AppMode = "auto"
)

// PricingMode selects how the tariff feed is consumed.
type PricingMode string

const (
	PricingModeLive     PricingMode = "Live"
	PricingModeOffline  PricingMode = "Offline"
	PricingModeDisabled PricingMode = "Disabled"
)

// Channel is a tariff channel.
type Channel string

const (
	ChannelGeneral        Channel = "general"
	ChannelControlledLoad Channel = "controlledLoad"
)

// PlanSource identifies which planner produced a run plan.
type PlanSource string

const (
	PlanSourceBestPrice PlanSource = "BestPrice"
	PlanSourceSchedule  PlanSource = "Schedule"
)

// PlanStatus is the outcome of planning.
type PlanStatus string

const (
	// PlanStatusNothing means no run time is required.
	PlanStatusNothing PlanStatus = "Nothing"
	// PlanStatusFailed means the plan could not cover even the priority hours.
	PlanStatusFailed PlanStatus = "Failed"
	// PlanStatusPartial means the priority hours are covered but not the full
	// required hours.
	PlanStatusPartial PlanStatus = "Partial"
	// PlanStatusReady means the full required hours are covered.
	PlanStatusReady PlanStatus = "Ready"
)

// SystemState is the top-level control state of an output.
type SystemState string

const (
	SystemStateAuto          SystemState = "Auto"
	SystemStateAppOverride   SystemState = "AppOverride"
	SystemStateInputOverride SystemState = "InputOverride"
	SystemStateDateOff       SystemState = "DateOff"
)

// StateReasonOn explains why an output is (or would be) on.
type StateReasonOn string

const (
	ReasonOnActiveRunPlan StateReasonOn = "ActiveRunPlan"
	ReasonOnAppModeOn     StateReasonOn = "AppModeOn"
	ReasonOnInputSwitchOn StateReasonOn = "InputSwitchOn"
	// ReasonOnMinOnTime holds an output on because MinOnTime has not elapsed
	// since it was turned on.
	ReasonOnMinOnTime StateReasonOn = "MinOnTime"
	// ReasonOnDayStart marks a run opened at midnight when an open run is
	// split across the day boundary.
	ReasonOnDayStart StateReasonOn = "DayStart"
)

// StateReasonOff explains why an output is (or would be) off.
type StateReasonOff string

const (
	ReasonOffDeviceOffline       StateReasonOff = "DeviceOffline"
	ReasonOffAppModeOff          StateReasonOff = "AppModeOff"
	ReasonOffInputSwitchOff      StateReasonOff = "InputSwitchOff"
	ReasonOffDateOff             StateReasonOff = "DateOff"
	ReasonOffNoRunPlan           StateReasonOff = "NoRunPlan"
	ReasonOffRunPlanComplete     StateReasonOff = "RunPlanComplete"
	ReasonOffInactiveRunPlan     StateReasonOff = "InactiveRunPlan"
	ReasonOffParentOff           StateReasonOff = "ParentOff"
	ReasonOffTempProbeConstraint StateReasonOff = "TempProbeConstraint"
	// ReasonOffMinOffTime holds an output off because MinOffTime has not
	// elapsed since it was turned off.
	ReasonOffMinOffTime StateReasonOff = "MinOffTime"
	// ReasonOffDayEnd closes a run at 23:59:59 when it is split across
	// midnight.
	ReasonOffDayEnd StateReasonOff = "DayEnd"
	// ReasonOffStatusChange closes a run when a new run with a different
	// state/reason starts immediately after it.
	ReasonOffStatusChange StateReasonOff = "StatusChange"
	ReasonOffShutdown     StateReasonOff = "Shutdown"
)

// InputMode controls how a physical input switch affects an output.
type InputMode string

const (
	InputModeIgnore  InputMode = "Ignore"
	InputModeTurnOn  InputMode = "TurnOn"
	InputModeTurnOff InputMode = "TurnOff"
)

// TempCondition is the comparison applied by a temperature probe constraint.
type TempCondition string

const (
	// TempGreaterThan requires the probe to read at or above the threshold.
	// A missing reading blocks turning on.
	TempGreaterThan TempCondition = "GreaterThan"
	// TempLessThan requires the probe to read at or below the threshold.
	// A missing reading is ignored.
	TempLessThan TempCondition = "LessThan"
)

// Command is a mutation posted into the controller loop, typically from the
// admin surface or a completed device sequence.
type Command struct {
	Kind string `json:"kind"`

	// set_mode
	OutputID      string  `json:"outputID,omitempty"`
	Mode          AppMode `json:"mode,omitempty"`
	RevertMinutes int     `json:"revertMinutes,omitempty"`

	// sequence_completed
	SequenceID string `json:"sequenceID,omitempty"`
	Label      string `json:"label,omitempty"`
	OK         bool   `json:"ok,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	CommandSetMode           = "set_mode"
	CommandSequenceCompleted = "sequence_completed"
)
