package device

import (
	"fmt"
	"time"

	"github.com/relaypilot/relaypilot/pkg/types"
)

// View wraps a snapshot with name and ID indexes for fast lookups. It is
// read-only and safe to share once built.
type View struct {
	snap types.Snapshot

	deviceByName map[string]int
	outputByName map[string]int
	inputByName  map[string]int
	meterByName  map[string]int
	probeByName  map[string]int

	deviceByID map[int]*types.Device
	outputByID map[int]*types.OutputPort
	inputByID  map[int]*types.InputPort
	meterByID  map[int]*types.Meter
	probeByID  map[int]*types.TempProbe
}

// NewView indexes the snapshot.
func NewView(snap types.Snapshot) *View {
	v := &View{
		snap:         snap,
		deviceByName: make(map[string]int, len(snap.Devices)),
		outputByName: make(map[string]int, len(snap.Outputs)),
		inputByName:  make(map[string]int, len(snap.Inputs)),
		meterByName:  make(map[string]int, len(snap.Meters)),
		probeByName:  make(map[string]int, len(snap.TempProbes)),
		deviceByID:   make(map[int]*types.Device, len(snap.Devices)),
		outputByID:   make(map[int]*types.OutputPort, len(snap.Outputs)),
		inputByID:    make(map[int]*types.InputPort, len(snap.Inputs)),
		meterByID:    make(map[int]*types.Meter, len(snap.Meters)),
		probeByID:    make(map[int]*types.TempProbe, len(snap.TempProbes)),
	}
	for i := range snap.Devices {
		d := &v.snap.Devices[i]
		v.deviceByName[d.Name] = d.ID
		v.deviceByID[d.ID] = d
	}
	for i := range snap.Outputs {
		o := &v.snap.Outputs[i]
		v.outputByName[o.Name] = o.ID
		v.outputByID[o.ID] = o
	}
	for i := range snap.Inputs {
		in := &v.snap.Inputs[i]
		v.inputByName[in.Name] = in.ID
		v.inputByID[in.ID] = in
	}
	for i := range snap.Meters {
		m := &v.snap.Meters[i]
		v.meterByName[m.Name] = m.ID
		v.meterByID[m.ID] = m
	}
	for i := range snap.TempProbes {
		p := &v.snap.TempProbes[i]
		v.probeByName[p.Name] = p.ID
		v.probeByID[p.ID] = p
	}
	return v
}

// Snapshot returns the underlying snapshot.
func (v *View) Snapshot() types.Snapshot { return v.snap }

// Taken returns when the snapshot was captured.
func (v *View) Taken() time.Time { return v.snap.Taken }

// DeviceID resolves a device name to its ID.
func (v *View) DeviceID(name string) (int, error) {
	if id, ok := v.deviceByName[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown device %q", name)
}

// OutputID resolves an output name to its ID.
func (v *View) OutputID(name string) (int, error) {
	if id, ok := v.outputByName[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown output %q", name)
}

// InputID resolves an input name to its ID.
func (v *View) InputID(name string) (int, error) {
	if id, ok := v.inputByName[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown input %q", name)
}

// MeterID resolves a meter name to its ID.
func (v *View) MeterID(name string) (int, error) {
	if id, ok := v.meterByName[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown meter %q", name)
}

// TempProbeID resolves a temperature probe name to its ID.
func (v *View) TempProbeID(name string) (int, error) {
	if id, ok := v.probeByName[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown temp probe %q", name)
}

// Device returns the device by ID.
func (v *View) Device(id int) (types.Device, error) {
	if d, ok := v.deviceByID[id]; ok {
		return *d, nil
	}
	return types.Device{}, fmt.Errorf("unknown device ID %d", id)
}

// DeviceOnline reports whether the device is online.
func (v *View) DeviceOnline(id int) (bool, error) {
	d, err := v.Device(id)
	if err != nil {
		return false, err
	}
	return d.Online, nil
}

// Output returns the output port by ID.
func (v *View) Output(id int) (types.OutputPort, error) {
	if o, ok := v.outputByID[id]; ok {
		return *o, nil
	}
	return types.OutputPort{}, fmt.Errorf("unknown output ID %d", id)
}

// OutputState returns the on/off state of an output.
func (v *View) OutputState(id int) (bool, error) {
	o, err := v.Output(id)
	if err != nil {
		return false, err
	}
	return o.On, nil
}

// InputState returns the on/off state of an input.
func (v *View) InputState(id int) (bool, error) {
	if in, ok := v.inputByID[id]; ok {
		return in.On, nil
	}
	return false, fmt.Errorf("unknown input ID %d", id)
}

// Meter returns the meter by ID.
func (v *View) Meter(id int) (types.Meter, error) {
	if m, ok := v.meterByID[id]; ok {
		return *m, nil
	}
	return types.Meter{}, fmt.Errorf("unknown meter ID %d", id)
}

// TempProbe returns the probe by ID.
func (v *View) TempProbe(id int) (types.TempProbe, error) {
	if p, ok := v.probeByID[id]; ok {
		return *p, nil
	}
	return types.TempProbe{}, fmt.Errorf("unknown temp probe ID %d", id)
}

// AllOnline reports whether every device not expected to be offline is
// online. The second return is false when the snapshot has no devices.
func (v *View) AllOnline() (bool, bool) {
	return v.snap.AllOnline()
}
