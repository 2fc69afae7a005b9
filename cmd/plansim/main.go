// plansim computes a run plan from cached tariff data without touching any
// device, for trying out MaxBestPrice/TargetHours settings. Run it against a
// prices cache file left behind by the controller:
//
//	plansim -pricing-mode Offline -pricing-cache-file prices.json \
//	    -target-hours 6 -max-best-price 25
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/planner"
	"github.com/relaypilot/relaypilot/pkg/pricing"
	"github.com/relaypilot/relaypilot/pkg/types"
)

func init() {
	// lflag has no built-in float64 param type; register one.
	lflag.CustomParamType("float64", new(float64), func(val string, ptr interface{}) error {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		*(ptr.(*float64)) = f
		return nil
	}, lflag.JSONStringAsIs)
}

func lflagFloat64(name string, value float64, usage string) *float64 {
	return lflag.Custom("float64", name, value, usage).(*float64)
}

func main() {
	m := pricing.Configured()
	channel := lflag.String("channel", string(types.ChannelGeneral), "Tariff channel to plan against")
	targetHours := lflagFloat64("target-hours", 4, "Hours of runtime wanted today (-1 fills the rest of the day)")
	priorityHours := lflagFloat64("priority-hours", 0, "Subset of target hours that may use the priority price ceiling")
	maxPrice := lflagFloat64("max-best-price", 30, "Price ceiling in c/kWh")
	maxPriorityPrice := lflagFloat64("max-priority-price", 0, "Price ceiling for priority hours in c/kWh")
	energyW := lflagFloat64("energy-w", 0, "Estimated draw in Watts while running (0 skips cost forecasts)")
	lflag.Configure()

	ctx := context.Background()

	if err := m.Validate(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid pricing configuration", "error", err)
		os.Exit(1)
	}
	if err := m.Initialise(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load tariff data", "error", err)
		os.Exit(1)
	}

	ch := types.Channel(*channel)
	if !m.IsChannelValid(ch) {
		log.Ctx(ctx).ErrorContext(ctx, "no price data for channel", "channel", *channel)
		os.Exit(1)
	}

	plan, err := m.GetRunPlan(ctx, ch, planner.Request{
		Source:           types.PlanSourceBestPrice,
		Channel:          ch,
		RequiredHours:    *targetHours,
		PriorityHours:    *priorityHours,
		MaxPrice:         *maxPrice,
		MaxPriorityPrice: *maxPriorityPrice,
		HourlyEnergyW:    *energyW,
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to build run plan", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Plan status: %s (channel %s)\n", plan.Status, plan.Channel)
	fmt.Printf("Required: %.2fh  Planned: %.2fh  Remaining: %.2fh\n",
		plan.RequiredHours, plan.PlannedHours, plan.RemainingHours)
	if plan.ForecastAvgPrice > 0 {
		fmt.Printf("Forecast average price: %.2f c/kWh\n", plan.ForecastAvgPrice)
	}
	if plan.EstimatedCost > 0 {
		fmt.Printf("Forecast energy: %.0f Wh, estimated cost: $%.2f\n",
			plan.ForecastEnergyWh, plan.EstimatedCost)
	}
	for _, slot := range plan.Slots {
		fmt.Printf("  %s - %s  %3d min  %6.2f c/kWh\n",
			slot.Start.Format(time.Kitchen), slot.End.Format(time.Kitchen),
			slot.Minutes, slot.Price)
	}
	if len(plan.Slots) == 0 {
		fmt.Println("  no slots selected")
	}
}
