// Package config loads and validates the YAML configuration file that defines
// devices, schedules and outputs. Process-level settings stay on flags; this
// file is the domain config the controller re-reads when its mtime changes.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"

	"github.com/relaypilot/relaypilot/pkg/device"
	"github.com/relaypilot/relaypilot/pkg/outputs"
	"github.com/relaypilot/relaypilot/pkg/scheduler"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// General holds process-wide domain settings.
type General struct {
	DeviceName string `yaml:"DeviceName"`
	// PollingInterval is the control tick period in seconds, 10 to 600.
	PollingInterval int     `yaml:"PollingInterval"`
	DefaultPrice    float64 `yaml:"DefaultPrice"`
	// ReportCriticalErrorsDelay is how long, in minutes, repeated device
	// failures persist before they are escalated.
	ReportCriticalErrorsDelay int    `yaml:"ReportCriticalErrorsDelay"`
	TestingMode               bool   `yaml:"TestingMode"`
	HeartbeatURL              string `yaml:"HeartbeatURL"`
}

// AmberAPI configures the tariff feed.
type AmberAPI struct {
	Mode   types.PricingMode `yaml:"Mode"`
	APIURL string            `yaml:"APIURL"`
	APIKey string            `yaml:"APIKey"`
	// Timeout is the per-request timeout in seconds.
	Timeout             int `yaml:"Timeout"`
	MaxConcurrentErrors int `yaml:"MaxConcurrentErrors"`
	// RefreshInterval between fetches, in minutes.
	RefreshInterval int    `yaml:"RefreshInterval"`
	PricesCacheFile string `yaml:"PricesCacheFile"`
}

// ShellyDevices lists the relay devices and their shared error budget.
type ShellyDevices struct {
	MaxConcurrentErrors int             `yaml:"MaxConcurrentErrors"`
	Devices             []device.Config `yaml:"Devices"`
}

// Location fixes the site position for dawn/dusk. Either explicit coordinates
// or a Google Maps URL containing them.
type Location struct {
	Timezone      string  `yaml:"Timezone"`
	Latitude      float64 `yaml:"Latitude"`
	Longitude     float64 `yaml:"Longitude"`
	GoogleMapsURL string  `yaml:"GoogleMapsURL"`
}

// SequenceStep is one step of a named output sequence.
type SequenceStep struct {
	Type types.StepKind `yaml:"Type"`

	// Sleep / Delay
	Seconds float64 `yaml:"Seconds"`

	// ChangeOutput
	OutputIdentity string `yaml:"OutputIdentity"`
	State          bool   `yaml:"State"`

	// GetLocation
	DeviceIdentity string `yaml:"DeviceIdentity"`

	Retries int `yaml:"Retries"`
	// RetryBackoff in seconds, linear per attempt.
	RetryBackoff float64 `yaml:"RetryBackoff"`
}

// Sequence is a named multi-step device command referenced from an output's
// TurnOnSequence/TurnOffSequence.
type Sequence struct {
	Name string `yaml:"Name"`
	// Timeout for the whole sequence, in seconds.
	Timeout float64        `yaml:"Timeout"`
	Steps   []SequenceStep `yaml:"Steps"`
}

// Config is the full parsed configuration file.
type Config struct {
	General            General              `yaml:"General"`
	AmberAPI           AmberAPI             `yaml:"AmberAPI"`
	ShellyDevices      ShellyDevices        `yaml:"ShellyDevices"`
	Location           Location             `yaml:"Location"`
	OperatingSchedules []scheduler.Schedule `yaml:"OperatingSchedules"`
	Outputs            []outputs.Config     `yaml:"Outputs"`
	OutputSequences    []Sequence           `yaml:"OutputSequences"`

	// ModTime of the file when it was loaded, for change detection.
	ModTime time.Time `yaml:"-"`
}

// Loader knows where the config file lives.
type Loader struct {
	path string
}

// Configured sets up the config file flag.
func Configured() *Loader {
	path := lflag.String("config-file", "relaypilot.yaml", "Path of the YAML configuration file")

	l := &Loader{}
	lflag.Do(func() {
		l.path = *path
	})
	return l
}

// NewLoader creates a Loader for an explicit path, mainly for tests.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Path returns the configured file path.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, parses and validates the config file.
func (l *Loader) Load() (*Config, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}
	info, err := os.Stat(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file %s: %w", l.path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", l.path, err)
	}
	cfg.ModTime = info.ModTime()

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", l.path, err)
	}
	return &cfg, nil
}

// Changed reports whether the file has been modified since the given load.
// Stat errors count as unchanged so a transient editor rename does not force
// a reload.
func (l *Loader) Changed(since time.Time) bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return info.ModTime().After(since)
}

func (c *Config) applyDefaults() {
	if c.General.PollingInterval == 0 {
		c.General.PollingInterval = 30
	}
	if c.General.DefaultPrice <= 0 {
		c.General.DefaultPrice = types.DefaultPrice
	}
	if c.General.ReportCriticalErrorsDelay <= 0 {
		c.General.ReportCriticalErrorsDelay = 30
	}
	if c.AmberAPI.Mode == "" {
		c.AmberAPI.Mode = types.PricingModeDisabled
	}
	if c.AmberAPI.Timeout <= 0 {
		c.AmberAPI.Timeout = 10
	}
	if c.AmberAPI.RefreshInterval <= 0 {
		c.AmberAPI.RefreshInterval = 5
	}
	if c.ShellyDevices.MaxConcurrentErrors <= 0 {
		c.ShellyDevices.MaxConcurrentErrors = 10
	}
}

// Validate checks cross-references between sections. Per-output semantic
// validation happens again in outputs.New; this catches everything that must
// be fatal before any component is built.
func (c *Config) Validate() error {
	if c.General.PollingInterval < 10 || c.General.PollingInterval > 600 {
		return fmt.Errorf("General.PollingInterval must be 10-600 seconds, got %d", c.General.PollingInterval)
	}
	switch c.AmberAPI.Mode {
	case types.PricingModeLive, types.PricingModeOffline, types.PricingModeDisabled:
	default:
		return fmt.Errorf("AmberAPI.Mode must be Live, Offline or Disabled, got %q", c.AmberAPI.Mode)
	}
	if c.AmberAPI.Mode == types.PricingModeLive && c.AmberAPI.APIKey == "" {
		return fmt.Errorf("AmberAPI.APIKey is required in Live mode")
	}

	if _, err := c.ResolveLocation(); err != nil {
		return err
	}

	deviceNames := map[string]bool{}
	deviceIDs := map[int]string{}
	portNames := map[string]bool{}
	// Port IDs share one namespace across all devices and port kinds; the
	// worker and the device view route by ID alone.
	portIDs := map[int]string{}
	addPorts := func(dev string, ports []device.PortConfig) error {
		for _, p := range ports {
			if p.Name == "" {
				return fmt.Errorf("device %q has a port with no name", dev)
			}
			if portNames[p.Name] {
				return fmt.Errorf("duplicate port name %q", p.Name)
			}
			portNames[p.Name] = true
			if p.ID <= 0 {
				return fmt.Errorf("port %q on device %q needs a positive ID", p.Name, dev)
			}
			if other, dup := portIDs[p.ID]; dup {
				return fmt.Errorf("port %q on device %q reuses ID %d of port %q", p.Name, dev, p.ID, other)
			}
			portIDs[p.ID] = p.Name
		}
		return nil
	}
	for _, dev := range c.ShellyDevices.Devices {
		if dev.Name == "" {
			return fmt.Errorf("device with no name")
		}
		if deviceNames[dev.Name] {
			return fmt.Errorf("duplicate device name %q", dev.Name)
		}
		deviceNames[dev.Name] = true
		if dev.ID <= 0 {
			return fmt.Errorf("device %q needs a positive ID", dev.Name)
		}
		if other, dup := deviceIDs[dev.ID]; dup {
			return fmt.Errorf("device %q reuses ID %d of device %q", dev.Name, dev.ID, other)
		}
		deviceIDs[dev.ID] = dev.Name
		for _, ports := range [][]device.PortConfig{dev.Outputs, dev.Inputs, dev.Meters, dev.TempProbes} {
			if err := addPorts(dev.Name, ports); err != nil {
				return err
			}
		}
	}

	scheduleNames := map[string]bool{}
	for _, s := range c.OperatingSchedules {
		if s.Name == "" {
			return fmt.Errorf("schedule with no name")
		}
		if scheduleNames[s.Name] {
			return fmt.Errorf("duplicate schedule name %q", s.Name)
		}
		scheduleNames[s.Name] = true
	}

	sequenceNames := map[string]bool{}
	for _, s := range c.OutputSequences {
		if s.Name == "" {
			return fmt.Errorf("output sequence with no name")
		}
		if sequenceNames[s.Name] {
			return fmt.Errorf("duplicate output sequence name %q", s.Name)
		}
		sequenceNames[s.Name] = true
		for i, step := range s.Steps {
			switch step.Type {
			case types.StepChangeOutput:
				if !portNames[step.OutputIdentity] {
					return fmt.Errorf("sequence %q step %d references unknown output %q", s.Name, i, step.OutputIdentity)
				}
			case types.StepSleep, "Delay":
				if step.Seconds <= 0 {
					return fmt.Errorf("sequence %q step %d needs Seconds > 0", s.Name, i)
				}
			case types.StepRefreshStatus:
			case types.StepGetLocation:
				if step.DeviceIdentity != "" && !deviceNames[step.DeviceIdentity] {
					return fmt.Errorf("sequence %q step %d references unknown device %q", s.Name, i, step.DeviceIdentity)
				}
			default:
				return fmt.Errorf("sequence %q step %d has unknown type %q", s.Name, i, step.Type)
			}
		}
	}

	outputNames := map[string]bool{}
	for _, o := range c.Outputs {
		if o.Name == "" {
			return fmt.Errorf("output with no name")
		}
		if outputNames[o.Name] {
			return fmt.Errorf("duplicate output name %q", o.Name)
		}
		outputNames[o.Name] = true
		if !portNames[o.DeviceOutput] {
			return fmt.Errorf("output %q references unknown device output %q", o.Name, o.DeviceOutput)
		}
		if o.DeviceMeter != "" && !portNames[o.DeviceMeter] {
			return fmt.Errorf("output %q references unknown meter %q", o.Name, o.DeviceMeter)
		}
		if o.DeviceInput != "" && !portNames[o.DeviceInput] {
			return fmt.Errorf("output %q references unknown input %q", o.Name, o.DeviceInput)
		}
		for _, tc := range o.TempProbeConstraints {
			if !portNames[tc.TempProbe] {
				return fmt.Errorf("output %q references unknown temp probe %q", o.Name, tc.TempProbe)
			}
		}
		if o.Schedule != "" && !scheduleNames[o.Schedule] {
			return fmt.Errorf("output %q references unknown schedule %q", o.Name, o.Schedule)
		}
		if o.ConstraintSchedule != "" && !scheduleNames[o.ConstraintSchedule] {
			return fmt.Errorf("output %q references unknown constraint schedule %q", o.Name, o.ConstraintSchedule)
		}
		if o.TurnOnSequence != "" && !sequenceNames[o.TurnOnSequence] {
			return fmt.Errorf("output %q references unknown turn-on sequence %q", o.Name, o.TurnOnSequence)
		}
		if o.TurnOffSequence != "" && !sequenceNames[o.TurnOffSequence] {
			return fmt.Errorf("output %q references unknown turn-off sequence %q", o.Name, o.TurnOffSequence)
		}
	}
	for _, o := range c.Outputs {
		if o.ParentOutput != "" && !outputNames[o.ParentOutput] {
			return fmt.Errorf("output %q references unknown parent output %q", o.Name, o.ParentOutput)
		}
	}
	return nil
}

var mapsCoordsRe = regexp.MustCompile(`@(-?\d+(?:\.\d+)?),(-?\d+(?:\.\d+)?)`)

// ResolveLocation returns the site location, extracting coordinates from the
// Google Maps URL when explicit ones are absent.
func (c *Config) ResolveLocation() (types.Location, error) {
	loc := types.Location{
		Timezone:  c.Location.Timezone,
		Latitude:  c.Location.Latitude,
		Longitude: c.Location.Longitude,
	}
	if loc.Timezone == "" {
		return types.Location{}, fmt.Errorf("Location.Timezone is required")
	}
	if loc.Latitude == 0 && loc.Longitude == 0 && c.Location.GoogleMapsURL != "" {
		m := mapsCoordsRe.FindStringSubmatch(c.Location.GoogleMapsURL)
		if m == nil {
			return types.Location{}, fmt.Errorf("no coordinates found in Location.GoogleMapsURL")
		}
		// The regexp guarantees these parse.
		loc.Latitude, _ = strconv.ParseFloat(m[1], 64)
		loc.Longitude, _ = strconv.ParseFloat(m[2], 64)
	}
	return loc, nil
}

// BuildSequences resolves the named OutputSequences into worker requests,
// mapping port and device names to IDs. The returned requests carry no ID;
// the controller assigns one per submission.
func (c *Config) BuildSequences() (map[string]types.SequenceRequest, error) {
	outputIDs := map[string]int{}
	deviceIDs := map[string]int{}
	for _, dev := range c.ShellyDevices.Devices {
		deviceIDs[dev.Name] = dev.ID
		for _, p := range dev.Outputs {
			outputIDs[p.Name] = p.ID
		}
	}

	sequences := make(map[string]types.SequenceRequest, len(c.OutputSequences))
	for _, s := range c.OutputSequences {
		req := types.SequenceRequest{
			Label:   s.Name,
			Timeout: time.Duration(s.Timeout * float64(time.Second)),
		}
		for i, step := range s.Steps {
			out := types.SequenceStep{
				Retries:      step.Retries,
				RetryBackoff: time.Duration(step.RetryBackoff * float64(time.Second)),
			}
			switch step.Type {
			case types.StepChangeOutput:
				id, ok := outputIDs[step.OutputIdentity]
				if !ok {
					return nil, fmt.Errorf("sequence %q step %d references unknown output %q", s.Name, i, step.OutputIdentity)
				}
				out.Kind = types.StepChangeOutput
				out.OutputID = id
				out.State = step.State
			case types.StepSleep, "Delay":
				out.Kind = types.StepSleep
				out.Seconds = step.Seconds
			case types.StepRefreshStatus:
				out.Kind = types.StepRefreshStatus
			case types.StepGetLocation:
				out.Kind = types.StepGetLocation
				if step.DeviceIdentity != "" {
					id, ok := deviceIDs[step.DeviceIdentity]
					if !ok {
						return nil, fmt.Errorf("sequence %q step %d references unknown device %q", s.Name, i, step.DeviceIdentity)
					}
					out.DeviceID = id
				}
			default:
				return nil, fmt.Errorf("sequence %q step %d has unknown type %q", s.Name, i, step.Type)
			}
			req.Steps = append(req.Steps, out)
		}
		sequences[s.Name] = req
	}
	return sequences, nil
}
