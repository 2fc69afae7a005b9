package controller

import (
	"context"
	"fmt"

	"github.com/relaypilot/relaypilot/pkg/config"
	"github.com/relaypilot/relaypilot/pkg/outputs"
	"github.com/relaypilot/relaypilot/pkg/pricing"
	"github.com/relaypilot/relaypilot/pkg/scheduler"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// Components are the config-derived parts the controller rebuilds whenever
// the config file changes.
type Components struct {
	Scheduler *scheduler.Scheduler
	// Outputs are ordered parents-first.
	Outputs   []*outputs.Manager
	Sequences map[string]types.SequenceRequest
	// Location is the config-resolved site location. Zero coordinates mean
	// the controller should ask a device for a fix.
	Location types.Location
}

// Build constructs the scheduler, output managers and named sequences from a
// parsed config. The pricing manager is shared across rebuilds; its lifecycle
// is not tied to the config file.
func Build(ctx context.Context, cfg *config.Config, pricingMgr *pricing.Manager) (*Components, error) {
	loc, err := cfg.ResolveLocation()
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(ctx, scheduler.Config{
		Schedules:    cfg.OperatingSchedules,
		Location:     loc,
		DefaultPrice: cfg.General.DefaultPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}

	managers := make([]*outputs.Manager, 0, len(cfg.Outputs))
	for _, oc := range cfg.Outputs {
		m, err := outputs.New(oc, outputs.Deps{
			Scheduler: sched,
			Pricing:   pricingMgr,
		})
		if err != nil {
			return nil, err
		}
		managers = append(managers, m)
	}
	sorted, err := outputs.LinkParents(ctx, managers)
	if err != nil {
		return nil, err
	}

	sequences, err := cfg.BuildSequences()
	if err != nil {
		return nil, err
	}
	return &Components{
		Scheduler: sched,
		Outputs:   sorted,
		Sequences: sequences,
		Location:  loc,
	}, nil
}
