package types

import "time"

// StepKind is a kind of step the device worker can execute.
type StepKind string

const (
	StepChangeOutput  StepKind = "ChangeOutput"
	StepSleep         StepKind = "Sleep"
	StepRefreshStatus StepKind = "RefreshStatus"
	StepGetLocation   StepKind = "GetLocation"
)

// SequenceStep is a single step in a device sequence. Only the fields relevant
// to the Kind are consulted.
type SequenceStep struct {
	Kind StepKind `json:"kind"`

	// ChangeOutput
	OutputID int  `json:"outputID,omitempty"`
	State    bool `json:"state,omitempty"`

	// Sleep
	Seconds float64 `json:"seconds,omitempty"`

	// GetLocation
	DeviceID int `json:"deviceID,omitempty"`

	// Retries is how many extra attempts are made after a failure. Backoff is
	// linear: attempt x RetryBackoff.
	Retries      int           `json:"retries,omitempty"`
	RetryBackoff time.Duration `json:"retryBackoff,omitempty"`
}

// SequenceResult is the outcome of a sequence request.
type SequenceResult struct {
	ID       string    `json:"id"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// SequenceRequest is a multi-step device command executed serially by the
// worker. OnComplete, when set, is invoked exactly once from the worker
// goroutine after the result is recorded.
type SequenceRequest struct {
	ID      string         `json:"id"`
	Label   string         `json:"label,omitempty"`
	Steps   []SequenceStep `json:"steps"`
	Timeout time.Duration  `json:"timeout,omitempty"`

	OnComplete func(SequenceResult) `json:"-"`
}

// ActionType classifies what an output action does.
type ActionType string

const (
	ActionTurnOn  ActionType = "TurnOn"
	ActionTurnOff ActionType = "TurnOff"
	// ActionUpdateOnState records state/reason while the output is already
	// physically on; no device write happens.
	ActionUpdateOnState ActionType = "UpdateOnState"
	// ActionUpdateOffState records state/reason while the output is already
	// physically off; no device write happens.
	ActionUpdateOffState ActionType = "UpdateOffState"
)

// OutputAction is a state change requested by an OutputManager. At most one
// action per output is in flight at a time.
type OutputAction struct {
	Type        ActionType     `json:"type"`
	SystemState SystemState    `json:"systemState"`
	ReasonOn    StateReasonOn  `json:"reasonOn,omitempty"`
	ReasonOff   StateReasonOff `json:"reasonOff,omitempty"`

	Request         *SequenceRequest `json:"-"`
	WorkerRequestID string           `json:"workerRequestID,omitempty"`
}

// On reports whether the action results in the output being on.
func (a OutputAction) On() bool {
	return a.Type == ActionTurnOn || a.Type == ActionUpdateOnState
}
