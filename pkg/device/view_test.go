package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfigs() []Config {
	return []Config{
		{
			ID: 1, Name: "garage", Host: "10.0.0.10",
			Outputs:    []PortConfig{{ID: 10, Name: "pool_pump", Channel: 0}, {ID: 11, Name: "chlorinator", Channel: 1}},
			Inputs:     []PortConfig{{ID: 20, Name: "pool_switch", Channel: 0}},
			Meters:     []PortConfig{{ID: 30, Name: "pool_meter", Channel: 0}},
			TempProbes: []PortConfig{{ID: 40, Name: "water_temp", Channel: 100}},
		},
		{
			ID: 2, Name: "shed", Host: "10.0.0.11", ExpectOffline: true,
			Outputs: []PortConfig{{ID: 12, Name: "heater", Channel: 0}},
		},
	}
}

func testStatuses() map[int]Status {
	temp := 21.5
	devTemp := 48.2
	return map[int]Status{
		1: {
			Online: true,
			TempC:  &devTemp,
			Switches: map[int]SwitchStatus{
				0: {On: true, PowerW: 1450.5, EnergyWh: 52340.2},
				1: {On: false, EnergyWh: 120},
			},
			Inputs: map[int]bool{0: true},
			Probes: map[int]ProbeStatus{100: {TempC: &temp, At: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}},
		},
		// device 2 is absent: offline
	}
}

func TestBuildSnapshotAndView(t *testing.T) {
	taken := time.Date(2026, 8, 24, 10, 0, 30, 0, time.UTC)
	snap := BuildSnapshot(taken, testConfigs(), testStatuses())
	v := NewView(snap)

	assert.Equal(t, taken, v.Taken())

	id, err := v.DeviceID("garage")
	require.NoError(t, err)
	online, err := v.DeviceOnline(id)
	require.NoError(t, err)
	assert.True(t, online)

	shedID, err := v.DeviceID("shed")
	require.NoError(t, err)
	online, err = v.DeviceOnline(shedID)
	require.NoError(t, err)
	assert.False(t, online, "missing status means offline")

	outID, err := v.OutputID("pool_pump")
	require.NoError(t, err)
	assert.Equal(t, 10, outID)
	on, err := v.OutputState(outID)
	require.NoError(t, err)
	assert.True(t, on)

	out, err := v.Output(11)
	require.NoError(t, err)
	assert.False(t, out.On)
	assert.Equal(t, 1, out.DeviceID)

	// The offline device's output resolves but reads off.
	on, err = v.OutputState(12)
	require.NoError(t, err)
	assert.False(t, on)

	inID, err := v.InputID("pool_switch")
	require.NoError(t, err)
	inOn, err := v.InputState(inID)
	require.NoError(t, err)
	assert.True(t, inOn)

	mID, err := v.MeterID("pool_meter")
	require.NoError(t, err)
	m, err := v.Meter(mID)
	require.NoError(t, err)
	assert.Equal(t, 52340.2, m.EnergyWh)
	assert.Equal(t, 1450.5, m.PowerW)

	pID, err := v.TempProbeID("water_temp")
	require.NoError(t, err)
	p, err := v.TempProbe(pID)
	require.NoError(t, err)
	require.NotNil(t, p.TempC)
	assert.Equal(t, 21.5, *p.TempC)
	assert.False(t, p.LastReading.IsZero())

	_, err = v.OutputID("nope")
	require.Error(t, err)
	_, err = v.Meter(999)
	require.Error(t, err)

	// Device 2 is offline but expected to be, so the fleet counts as online.
	allOnline, any := v.AllOnline()
	assert.True(t, any)
	assert.True(t, allOnline)
}

func TestAllOnline(t *testing.T) {
	configs := testConfigs()
	configs[1].ExpectOffline = false
	snap := BuildSnapshot(time.Now(), configs, testStatuses())
	v := NewView(snap)

	allOnline, any := v.AllOnline()
	assert.True(t, any)
	assert.False(t, allOnline)

	empty := NewView(BuildSnapshot(time.Now(), nil, nil))
	_, any = empty.AllOnline()
	assert.False(t, any)
}
