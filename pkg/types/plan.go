package types

import "time"

// PriceSlot is a contiguous time interval with a single price.
type PriceSlot struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Minutes int       `json:"minutes"`
	// Price is in c/kWh.
	Price float64 `json:"price"`
}

// Overlaps reports whether the slot overlaps the [start, end) window.
func (s PriceSlot) Overlaps(start, end time.Time) bool {
	return s.Start.Before(end) && s.End.After(start)
}

// Contains reports whether t falls within the slot (inclusive of both ends).
func (s PriceSlot) Contains(t time.Time) bool {
	return !t.Before(s.Start) && !t.After(s.End)
}

// PlanSlot is a PriceSlot selected into a run plan, carrying forecast figures.
// After consolidation a PlanSlot may span several source slots; Price is then
// the duration-weighted average.
type PlanSlot struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Minutes int       `json:"minutes"`
	Price   float64   `json:"price"`
	// EnergyWh is the forecast energy used while running this slot.
	EnergyWh float64 `json:"energyWh"`
	// Cost is the estimated cost in dollars.
	Cost float64 `json:"cost"`
	// SlotCount is how many source slots were merged into this one.
	SlotCount int `json:"slotCount"`

	// WeightedPriceMinutes is price x minutes accumulated across merges, used
	// to compute weighted averages. Not persisted.
	WeightedPriceMinutes float64 `json:"-"`
}

// Contains reports whether t falls within the slot (inclusive of both ends).
func (s PlanSlot) Contains(t time.Time) bool {
	return !t.Before(s.Start) && !t.After(s.End)
}

// RunPlan is the output of planning: when to run for the rest of the day.
type RunPlan struct {
	Source     PlanSource `json:"source"`
	Channel    Channel    `json:"channel,omitempty"`
	Schedule   string     `json:"schedule,omitempty"`
	Status     PlanStatus `json:"status"`
	LastUpdate time.Time  `json:"lastUpdate"`

	RequiredHours  float64 `json:"requiredHours"`
	PriorityHours  float64 `json:"priorityHours"`
	PlannedHours   float64 `json:"plannedHours"`
	RemainingHours float64 `json:"remainingHours"`

	NextStart time.Time `json:"nextStart,omitzero"`
	NextStop  time.Time `json:"nextStop,omitzero"`

	// ForecastAvgPrice is the duration-weighted average price (c/kWh) across
	// all planned slots, rounded to 2 decimal places.
	ForecastAvgPrice float64 `json:"forecastAvgPrice"`
	ForecastEnergyWh float64 `json:"forecastEnergyWh"`
	// EstimatedCost is in dollars.
	EstimatedCost float64 `json:"estimatedCost"`

	SlotMinMinutes int `json:"slotMinMinutes,omitempty"`
	SlotGapMinutes int `json:"slotGapMinutes,omitempty"`

	Slots []PlanSlot `json:"slots"`
}
