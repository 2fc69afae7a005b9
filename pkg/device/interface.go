// Package device talks to network relay devices: a wire client, mDNS
// discovery, snapshot assembly and an indexed read-only view.
package device

import (
	"context"
	"time"

	"github.com/relaypilot/relaypilot/pkg/types"
)

// PortConfig maps a logical component onto a device channel.
type PortConfig struct {
	ID      int    `yaml:"ID"`
	Name    string `yaml:"Name"`
	Channel int    `yaml:"Channel"`
}

// Config describes one configured device.
type Config struct {
	ID            int          `yaml:"ID"`
	Name          string       `yaml:"Name"`
	Label         string       `yaml:"Label"`
	Host          string       `yaml:"Host"`
	ExpectOffline bool         `yaml:"ExpectOffline"`
	AlertTempC    float64      `yaml:"DeviceAlertTemp"`
	Outputs       []PortConfig `yaml:"Outputs"`
	Inputs        []PortConfig `yaml:"Inputs"`
	Meters        []PortConfig `yaml:"Meters"`
	TempProbes    []PortConfig `yaml:"TempProbes"`
}

// SwitchStatus is the live state of one relay channel.
type SwitchStatus struct {
	On       bool
	PowerW   float64
	EnergyWh float64
	TempC    *float64
}

// ProbeStatus is the live state of one temperature probe channel.
type ProbeStatus struct {
	TempC *float64
	At    time.Time
}

// Status is one device's live state as returned by a refresh.
type Status struct {
	Online   bool
	TempC    *float64
	Switches map[int]SwitchStatus
	Inputs   map[int]bool
	Probes   map[int]ProbeStatus
}

// Client defines the wire interface to a relay device.
type Client interface {
	// Refresh fetches the device's full status.
	Refresh(ctx context.Context, dev Config) (Status, error)

	// ChangeOutput switches a relay channel and reports whether the state
	// actually changed.
	ChangeOutput(ctx context.Context, dev Config, channel int, on bool) (didChange bool, err error)

	// GetLocation returns the device's configured location.
	GetLocation(ctx context.Context, dev Config) (types.Location, error)
}
