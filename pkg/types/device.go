package types

import "time"

// Device is a network relay device in a snapshot.
type Device struct {
	ID            int     `json:"id"`
	Name          string  `json:"name"`
	Online        bool    `json:"online"`
	ExpectOffline bool    `json:"expectOffline"`
	TempC         *float64 `json:"tempC,omitempty"`
}

// OutputPort is a controllable relay output on a device.
type OutputPort struct {
	ID       int    `json:"id"`
	DeviceID int    `json:"deviceID"`
	Name     string `json:"name"`
	On       bool   `json:"on"`
}

// InputPort is a physical switch input on a device.
type InputPort struct {
	ID       int    `json:"id"`
	DeviceID int    `json:"deviceID"`
	Name     string `json:"name"`
	On       bool   `json:"on"`
}

// Meter is an energy meter channel on a device.
type Meter struct {
	ID       int     `json:"id"`
	DeviceID int     `json:"deviceID"`
	Name     string  `json:"name"`
	EnergyWh float64 `json:"energyWh"`
	PowerW   float64 `json:"powerW"`
}

// TempProbe is a temperature probe attached to a device.
type TempProbe struct {
	ID          int       `json:"id"`
	DeviceID    int       `json:"deviceID"`
	Name        string    `json:"name"`
	TempC       *float64  `json:"tempC,omitempty"`
	LastReading time.Time `json:"lastReading,omitzero"`
}

// Location is a device-reported or configured geographic location used for
// dawn/dusk calculations.
type Location struct {
	Timezone  string  `json:"timezone"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Snapshot is an immutable view of all devices and their components, built
// each tick from the worker's published copy. Readers must not mutate it.
type Snapshot struct {
	Taken      time.Time    `json:"taken"`
	Devices    []Device     `json:"devices"`
	Outputs    []OutputPort `json:"outputs"`
	Inputs     []InputPort  `json:"inputs"`
	Meters     []Meter      `json:"meters"`
	TempProbes []TempProbe  `json:"tempProbes"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	c := Snapshot{
		Taken:      s.Taken,
		Devices:    make([]Device, len(s.Devices)),
		Outputs:    append([]OutputPort(nil), s.Outputs...),
		Inputs:     append([]InputPort(nil), s.Inputs...),
		Meters:     append([]Meter(nil), s.Meters...),
		TempProbes: make([]TempProbe, len(s.TempProbes)),
	}
	for i, d := range s.Devices {
		if d.TempC != nil {
			t := *d.TempC
			d.TempC = &t
		}
		c.Devices[i] = d
	}
	for i, p := range s.TempProbes {
		if p.TempC != nil {
			t := *p.TempC
			p.TempC = &t
		}
		c.TempProbes[i] = p
	}
	return c
}

// AllOnline reports whether every device that is not expected to be offline
// is online. The second return is false when there are no devices at all.
func (s Snapshot) AllOnline() (bool, bool) {
	if len(s.Devices) == 0 {
		return false, false
	}
	for _, d := range s.Devices {
		if !d.Online && !d.ExpectOffline {
			return false, true
		}
	}
	return true, true
}
