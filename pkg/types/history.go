package types

import "time"

// OutputStatus carries the per-tick readings an OutputManager feeds into its
// RunHistory.
type OutputStatus struct {
	MeterReading float64 `json:"meterReading"`
	PowerW       float64 `json:"powerW"`
	On           bool    `json:"on"`
	TargetHours  float64 `json:"targetHours"`
	// CurrentPrice is in c/kWh.
	CurrentPrice float64 `json:"currentPrice"`
}

// Run is one continuous ON interval of an output. End is zero while the run
// is open.
type Run struct {
	SystemState   SystemState    `json:"systemState"`
	ReasonStarted StateReasonOn  `json:"reasonStarted"`
	ReasonStopped StateReasonOff `json:"reasonStopped,omitempty"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end,omitzero"`
	ActualHours   float64        `json:"actualHours"`
	MeterAtStart  float64        `json:"meterAtStart"`
	// PriorMeterRead is the last meter reading accrued into the run.
	PriorMeterRead float64 `json:"priorMeterRead"`
	EnergyWh       float64 `json:"energyWh"`
	// TotalCost is in dollars.
	TotalCost float64 `json:"totalCost"`
	// AveragePrice is in c/kWh.
	AveragePrice float64 `json:"averagePrice"`
}

// Open reports whether the run has not been closed yet.
func (r Run) Open() bool {
	return r.End.IsZero()
}

// DayRecord is the ledger for one calendar day of an output.
type DayRecord struct {
	// Date is midnight local time of the day.
	Date          time.Time `json:"date"`
	TargetHours   float64   `json:"targetHours"`
	PriorShortfall float64  `json:"priorShortfall"`
	ActualHours   float64   `json:"actualHours"`
	RemainingHours float64  `json:"remainingHours"`
	EnergyWh      float64   `json:"energyWh"`
	TotalCost     float64   `json:"totalCost"`
	AveragePrice  float64   `json:"averagePrice"`
	Runs          []Run     `json:"runs"`
}

// Totals are rolling sums over a set of days.
type Totals struct {
	ActualHours  float64 `json:"actualHours"`
	EnergyWh     float64 `json:"energyWh"`
	TotalCost    float64 `json:"totalCost"`
	AveragePrice float64 `json:"averagePrice"`
}

// Add accumulates the other totals into t and recomputes the average price.
func (t *Totals) Add(o Totals) {
	t.ActualHours += o.ActualHours
	t.EnergyWh += o.EnergyWh
	t.TotalCost += o.TotalCost
	if t.EnergyWh > 0 {
		// dollars over Wh, reported in c/kWh
		t.AveragePrice = t.TotalCost * 100000 / t.EnergyWh
	} else {
		t.AveragePrice = 0
	}
}

// HistoryState is the persistable state of a RunHistory.
type HistoryState struct {
	Days    []DayRecord `json:"days"`
	Current Totals      `json:"current"`
	Earlier Totals      `json:"earlier"`
	Alltime Totals      `json:"alltime"`
}
