package device

import (
	"time"

	"github.com/relaypilot/relaypilot/pkg/types"
)

// BuildSnapshot assembles a snapshot from the configured devices and their
// latest statuses. A device missing from statuses (or with Online false) is
// marked offline; its components keep zero values so IDs stay resolvable.
func BuildSnapshot(taken time.Time, configs []Config, statuses map[int]Status) types.Snapshot {
	snap := types.Snapshot{Taken: taken}
	for _, cfg := range configs {
		status, ok := statuses[cfg.ID]
		online := ok && status.Online

		dev := types.Device{
			ID:            cfg.ID,
			Name:          cfg.Name,
			Online:        online,
			ExpectOffline: cfg.ExpectOffline,
		}
		if online && status.TempC != nil {
			t := *status.TempC
			dev.TempC = &t
		}
		snap.Devices = append(snap.Devices, dev)

		for _, port := range cfg.Outputs {
			out := types.OutputPort{ID: port.ID, DeviceID: cfg.ID, Name: port.Name}
			if online {
				out.On = status.Switches[port.Channel].On
			}
			snap.Outputs = append(snap.Outputs, out)
		}
		for _, port := range cfg.Inputs {
			in := types.InputPort{ID: port.ID, DeviceID: cfg.ID, Name: port.Name}
			if online {
				in.On = status.Inputs[port.Channel]
			}
			snap.Inputs = append(snap.Inputs, in)
		}
		for _, port := range cfg.Meters {
			m := types.Meter{ID: port.ID, DeviceID: cfg.ID, Name: port.Name}
			if online {
				sw := status.Switches[port.Channel]
				m.EnergyWh = sw.EnergyWh
				m.PowerW = sw.PowerW
			}
			snap.Meters = append(snap.Meters, m)
		}
		for _, port := range cfg.TempProbes {
			p := types.TempProbe{ID: port.ID, DeviceID: cfg.ID, Name: port.Name}
			if online {
				probe := status.Probes[port.Channel]
				if probe.TempC != nil {
					t := *probe.TempC
					p.TempC = &t
					p.LastReading = probe.At
				}
			}
			snap.TempProbes = append(snap.TempProbes, p)
		}
	}
	return snap
}
