// Package planner selects and consolidates priced time slots into a run plan
// for the remainder of the day.
package planner

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// ErrInvalidPrices is returned when a price ceiling is zero or negative.
var ErrInvalidPrices = errors.New("invalid price parameters for run plan")

// Request carries everything needed to compute a run plan.
type Request struct {
	Source   types.PlanSource
	Channel  types.Channel
	Schedule string

	// Slots must be sorted ascending by price.
	Slots []types.PriceSlot

	// RequiredHours is the total hours wanted. -1 means fill all remaining
	// minutes of today.
	RequiredHours float64
	// PriorityHours is the subset of RequiredHours that may be bought at the
	// higher MaxPriorityPrice ceiling.
	PriorityHours float64

	// MaxPrice and MaxPriorityPrice are ceilings in c/kWh.
	MaxPrice         float64
	MaxPriorityPrice float64

	// HourlyEnergyW is the estimated draw in Watts while running. 0 means
	// unknown; energy and cost forecasts stay zero.
	HourlyEnergyW float64

	SlotMinMinutes int
	SlotGapMinutes int

	// ConstraintSlots, when non-empty, restrict candidates to those
	// overlapping at least one of these windows.
	ConstraintSlots []types.PriceSlot

	// Now anchors "remaining minutes of today" and RemainingHours.
	Now time.Time
}

// Build computes a run plan from the request. It is pure apart from reading
// req.Now.
func Build(ctx context.Context, req Request) (types.RunPlan, error) {
	plan := types.RunPlan{
		Source:         req.Source,
		Channel:        req.Channel,
		Schedule:       req.Schedule,
		LastUpdate:     req.Now,
		SlotMinMinutes: req.SlotMinMinutes,
		SlotGapMinutes: req.SlotGapMinutes,
	}

	requiredMins := requiredMinutes(req.RequiredHours, req.Now)
	if requiredMins == 0 {
		plan.Status = types.PlanStatusNothing
		return plan, nil
	}

	priorityHours := req.PriorityHours
	if req.RequiredHours != -1 {
		priorityHours = math.Min(priorityHours, req.RequiredHours)
	}
	plan.RequiredHours = req.RequiredHours
	plan.PriorityHours = priorityHours

	if len(req.Slots) == 0 {
		if req.Source == types.PlanSourceSchedule && req.RequiredHours == -1 && priorityHours == 0 {
			// All remaining schedule windows are in the past: the schedule is
			// complete for today, not failed.
			plan.Status = types.PlanStatusNothing
		} else {
			plan.Status = types.PlanStatusFailed
		}
		return plan, nil
	}

	if req.MaxPrice <= 0 || req.MaxPriorityPrice <= 0 {
		return types.RunPlan{}, ErrInvalidPrices
	}

	selected := selectQualifyingSlots(req, requiredMins, int(priorityHours*60))
	if len(selected) == 0 {
		plan.Status = types.PlanStatusFailed
		return plan, nil
	}

	consolidated := consolidate(ctx, selected, req.SlotMinMinutes, req.SlotGapMinutes)
	final := trimToRequired(consolidated, requiredMins)

	finalize(&plan, final, requiredMins, int(priorityHours*60), req.Now)
	return plan, nil
}

// Tick recomputes RemainingHours against now. Calling it twice with the same
// clock leaves the plan unchanged.
func Tick(plan *types.RunPlan, now time.Time) {
	futureMins := 0
	for _, slot := range plan.Slots {
		if slot.End.After(now) {
			if !slot.Start.Before(now) {
				futureMins += slot.Minutes
			} else {
				futureMins += int(slot.End.Sub(now).Minutes())
			}
		}
	}
	plan.RemainingHours = float64(futureMins) / 60.0
}

// CurrentSlot returns the slot containing now, and whether the output should
// be running now.
func CurrentSlot(plan *types.RunPlan, now time.Time) (types.PlanSlot, bool) {
	if plan == nil {
		return types.PlanSlot{}, false
	}
	for _, slot := range plan.Slots {
		if slot.Contains(now) {
			return slot, true
		}
	}
	return types.PlanSlot{}, false
}

// requiredMinutes resolves the required hours into whole minutes. -1 becomes
// the remaining minutes of today floored to a 5-minute multiple.
func requiredMinutes(requiredHours float64, now time.Time) int {
	if requiredHours == -1 {
		mins := 24*60 - (now.Hour()*60 + now.Minute())
		mins -= mins % types.PriceSlotIntervalMinutes
		return max(0, mins)
	}
	return max(0, int(requiredHours*60))
}

// selectQualifyingSlots walks the price-ascending candidates and greedily
// accepts slots under the price ceilings until the required minutes are
// filled. Slots above MaxPrice count against the priority allowance.
func selectQualifyingSlots(req Request, requiredMins, priorityMins int) []types.PlanSlot {
	var selected []types.PlanSlot
	remaining := requiredMins
	priorityFilled := 0

	for _, slot := range req.Slots {
		if slot.Price > req.MaxPriorityPrice {
			continue
		}

		underMax := slot.Price <= req.MaxPrice
		if !underMax && priorityFilled >= priorityMins {
			// Only the priority allowance may be bought above MaxPrice.
			continue
		}

		if len(req.ConstraintSlots) > 0 {
			overlaps := false
			for _, c := range req.ConstraintSlots {
				if slot.Overlaps(c.Start, c.End) {
					overlaps = true
					break
				}
			}
			if !overlaps {
				continue
			}
		}

		entry := types.PlanSlot{
			Start:                slot.Start,
			End:                  slot.End,
			Minutes:              slot.Minutes,
			Price:                slot.Price,
			SlotCount:            1,
			WeightedPriceMinutes: slot.Price * float64(slot.Minutes),
		}
		if req.HourlyEnergyW > 0 {
			entry.EnergyWh = req.HourlyEnergyW / 60 * float64(slot.Minutes)
			entry.Cost = entry.EnergyWh * slot.Price / 100000
		}

		selected = append(selected, entry)
		remaining -= slot.Minutes
		if !underMax {
			priorityFilled += slot.Minutes
		}
		if remaining <= 0 {
			break
		}
	}
	return selected
}

// consolidate sorts the selection chronologically, merges slots separated by
// gaps smaller than slotGapMinutes, then enforces the minimum slot length.
func consolidate(ctx context.Context, slots []types.PlanSlot, slotMinMinutes, slotGapMinutes int) []types.PlanSlot {
	if len(slots) == 0 {
		return slots
	}
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})
	merged := mergeByGap(slots, slotGapMinutes)
	return enforceMinimumLength(ctx, merged, slotMinMinutes)
}

func mergeByGap(slots []types.PlanSlot, slotGapMinutes int) []types.PlanSlot {
	var merged []types.PlanSlot
	for _, slot := range slots {
		if len(merged) == 0 {
			merged = append(merged, slot)
			continue
		}
		last := &merged[len(merged)-1]
		gap := slot.Start.Sub(last.End).Minutes()

		// Back-to-back slots always merge; small positive gaps are swallowed
		// when a minimum gap is configured.
		if gap == 0 || (slotGapMinutes > 0 && gap > 0 && gap < float64(slotGapMinutes)) {
			last.End = slot.End
			last.Minutes = int(last.End.Sub(last.Start).Minutes())
			last.WeightedPriceMinutes += slot.WeightedPriceMinutes
			last.EnergyWh += slot.EnergyWh
			last.Cost += slot.Cost
			last.SlotCount += slot.SlotCount
		} else {
			merged = append(merged, slot)
		}
	}
	return merged
}

func enforceMinimumLength(ctx context.Context, slots []types.PlanSlot, slotMinMinutes int) []types.PlanSlot {
	if len(slots) == 0 || slotMinMinutes <= 0 {
		return slots
	}
	var result []types.PlanSlot
	for i := 0; i < len(slots); i++ {
		slot := slots[i]
		if slot.Minutes >= slotMinMinutes {
			result = append(result, slot)
			continue
		}

		switch {
		case i+1 < len(slots):
			// Merge forward across the gap into the next slot.
			next := slots[i+1]
			mergedSlot := types.PlanSlot{
				Start:                slot.Start,
				End:                  next.End,
				Minutes:              int(next.End.Sub(slot.Start).Minutes()),
				WeightedPriceMinutes: slot.WeightedPriceMinutes + next.WeightedPriceMinutes,
				EnergyWh:             slot.EnergyWh + next.EnergyWh,
				Cost:                 slot.Cost + next.Cost,
				SlotCount:            slot.SlotCount + next.SlotCount,
			}
			result = append(result, mergedSlot)
			i++
		case len(result) > 0:
			prev := &result[len(result)-1]
			prev.End = slot.End
			prev.Minutes = int(slot.End.Sub(prev.Start).Minutes())
			prev.WeightedPriceMinutes += slot.WeightedPriceMinutes
			prev.EnergyWh += slot.EnergyWh
			prev.Cost += slot.Cost
			prev.SlotCount += slot.SlotCount
		default:
			log.Named(ctx, "planner").DebugContext(ctx, "dropping short slot that cannot be merged",
				slog.Int("minutes", slot.Minutes), slog.Time("start", slot.Start))
		}
	}
	return result
}

// trimToRequired shortens the plan from the tail so the total exactly matches
// the required minutes, prorating energy and cost on a partially-kept slot.
func trimToRequired(slots []types.PlanSlot, requiredMins int) []types.PlanSlot {
	total := 0
	for _, s := range slots {
		total += s.Minutes
	}
	excess := total - requiredMins
	if excess <= 0 {
		return slots
	}

	for i := len(slots) - 1; i >= 0 && excess > 0; i-- {
		slot := &slots[i]
		if slot.Minutes <= excess {
			excess -= slot.Minutes
			slots = slots[:i]
			continue
		}

		origPrice := slot.WeightedPriceMinutes / float64(slot.Minutes)
		keep := slot.Minutes - excess
		ratio := float64(keep) / float64(slot.Minutes)
		slot.End = slot.Start.Add(time.Duration(keep) * time.Minute)
		slot.Minutes = keep
		slot.EnergyWh *= ratio
		slot.Cost *= ratio
		slot.WeightedPriceMinutes = origPrice * float64(keep)
		excess = 0
	}
	return slots
}

func finalize(plan *types.RunPlan, slots []types.PlanSlot, requiredMins, priorityMins int, now time.Time) {
	if len(slots) == 0 {
		plan.Status = types.PlanStatusFailed
		return
	}

	totalMins := 0
	futureMins := 0
	var weighted, energy, cost float64
	for i := range slots {
		slot := &slots[i]
		totalMins += slot.Minutes
		if slot.End.After(now) {
			if !slot.Start.Before(now) {
				futureMins += slot.Minutes
			} else {
				futureMins += int(slot.End.Sub(now).Minutes())
			}
		}
		weighted += slot.WeightedPriceMinutes
		energy += slot.EnergyWh
		cost += slot.Cost
		slot.Price = round2(slot.WeightedPriceMinutes / float64(slot.Minutes))
	}

	plan.Slots = slots
	plan.PlannedHours = float64(totalMins) / 60.0
	plan.RemainingHours = float64(futureMins) / 60.0
	plan.ForecastAvgPrice = round2(weighted / float64(totalMins))
	plan.ForecastEnergyWh = energy
	plan.EstimatedCost = cost
	plan.NextStart = slots[0].Start
	plan.NextStop = slots[0].End

	switch {
	case totalMins < priorityMins:
		plan.Status = types.PlanStatusFailed
	case totalMins >= requiredMins:
		plan.Status = types.PlanStatusReady
	default:
		plan.Status = types.PlanStatusPartial
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
