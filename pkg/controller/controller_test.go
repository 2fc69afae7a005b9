package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypilot/relaypilot/pkg/config"
	"github.com/relaypilot/relaypilot/pkg/device"
	"github.com/relaypilot/relaypilot/pkg/outputs"
	"github.com/relaypilot/relaypilot/pkg/pricing"
	"github.com/relaypilot/relaypilot/pkg/scheduler"
	"github.com/relaypilot/relaypilot/pkg/storage"
	"github.com/relaypilot/relaypilot/pkg/types"
)

type fakeWorker struct {
	mu           sync.Mutex
	snap         types.Snapshot
	submitted    []types.SequenceRequest
	refreshes    int
	reinit       bool
	location     *types.Location
	locationReqs int
}

func (f *fakeWorker) Submit(req types.SequenceRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return nil
}

func (f *fakeWorker) WaitForResult(ctx context.Context, id string, timeout time.Duration) (types.SequenceResult, bool) {
	return types.SequenceResult{ID: id, OK: true}, true
}

func (f *fakeWorker) RequestRefreshStatus(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeWorker) LatestStatus() (types.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, true
}

func (f *fakeWorker) RequestDeviceLocation(id string, deviceID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locationReqs++
	return nil
}

func (f *fakeWorker) Location() (types.Location, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.location == nil {
		return types.Location{}, false
	}
	return *f.location, true
}

func (f *fakeWorker) ReinitialiseNeeded() bool {
	r := f.reinit
	f.reinit = false
	return r
}

func (f *fakeWorker) lastSubmitted(t *testing.T) types.SequenceRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.submitted)
	return f.submitted[len(f.submitted)-1]
}

type fakeStore struct {
	state   *storage.StateFile
	actions []storage.ActionRecord
	saves   int
}

func (f *fakeStore) LoadState(ctx context.Context, deviceName string) (*storage.StateFile, error) {
	return f.state, nil
}

func (f *fakeStore) SaveState(ctx context.Context, state storage.StateFile) error {
	f.state = &state
	f.saves++
	return nil
}

func (f *fakeStore) InsertAction(ctx context.Context, deviceName string, rec storage.ActionRecord) error {
	f.actions = append(f.actions, rec)
	return nil
}

func (f *fakeStore) GetActionHistory(ctx context.Context, deviceName string, start, end time.Time) ([]storage.ActionRecord, error) {
	return f.actions, nil
}

func (f *fakeStore) Close() error { return nil }

func testDevices() []device.Config {
	return []device.Config{{
		ID:         1,
		Name:       "garage",
		Host:       "10.0.0.20",
		AlertTempC: 70,
		Outputs: []device.PortConfig{
			{ID: 10, Name: "pool_pump", Channel: 0},
			{ID: 11, Name: "chlorinator", Channel: 1},
		},
		TempProbes: []device.PortConfig{
			{ID: 40, Name: "water_temp", Channel: 100},
		},
	}}
}

func testSnapshot(online bool, outputOn map[int]bool) types.Snapshot {
	statuses := map[int]device.Status{}
	if online {
		statuses[1] = device.Status{
			Online: true,
			Switches: map[int]device.SwitchStatus{
				0: {On: outputOn[10]},
				1: {On: outputOn[11]},
			},
			Probes: map[int]device.ProbeStatus{
				100: {},
			},
		}
	}
	return device.BuildSnapshot(time.Now(), testDevices(), statuses)
}

// newTestController builds a controller around one all-hours scheduled output
// so a plan is always active regardless of the wall clock.
func newTestController(t *testing.T, mutate func(*config.Config)) (*Controller, *fakeWorker, *fakeStore) {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		ShellyDevices: config.ShellyDevices{Devices: testDevices()},
		Location:      config.Location{Timezone: "Australia/Sydney", Latitude: -33.87, Longitude: 151.21},
		OperatingSchedules: []scheduler.Schedule{{
			Name:    "allday",
			Windows: []scheduler.Window{{StartTime: "00:00", EndTime: "23:59", Price: 15}},
		}},
		Outputs: []outputs.Config{{
			Name:         "pump",
			DeviceOutput: "pool_pump",
			Mode:         types.PlanSourceSchedule,
			Schedule:     "allday",
			TargetHours:  -1,
			MaxBestPrice: 100,
		}},
	}
	if mutate != nil {
		mutate(cfg)
	}

	pricingMgr := pricing.NewManager(pricing.Config{Mode: types.PricingModeDisabled})
	components, err := Build(ctx, cfg, pricingMgr)
	require.NoError(t, err)

	worker := &fakeWorker{snap: testSnapshot(true, nil)}
	store := &fakeStore{}
	c := New(Config{
		DeviceName:      "house",
		PollingInterval: 30 * time.Second,
		Devices:         testDevices(),
	}, Deps{Store: store, Worker: worker, Pricing: pricingMgr}, components, time.Time{})

	view := device.NewView(worker.snap)
	for _, m := range components.Outputs {
		require.NoError(t, m.Initialise(ctx, view))
	}
	return c, worker, store
}

func TestTickSubmitsTurnOn(t *testing.T) {
	ctx := context.Background()
	c, worker, store := newTestController(t, nil)

	c.tick(ctx)

	req := worker.lastSubmitted(t)
	require.Len(t, req.Steps, 1)
	assert.Equal(t, types.StepChangeOutput, req.Steps[0].Kind)
	assert.Equal(t, 10, req.Steps[0].OutputID)
	assert.True(t, req.Steps[0].State)
	assert.Equal(t, 1, store.saves, "state persisted each tick")

	pump := c.outputByName("pump")
	require.NotNil(t, pump.ActionRequest())

	t.Run("no second submission while pending", func(t *testing.T) {
		before := len(worker.submitted)
		c.tick(ctx)
		assert.Len(t, worker.submitted, before)
	})

	t.Run("completion applies the action", func(t *testing.T) {
		req.OnComplete(types.SequenceResult{ID: req.ID, OK: true})
		c.tick(ctx)

		assert.Nil(t, pump.ActionRequest())
		status := c.Status()
		require.NotNil(t, status)
		require.Len(t, status.Outputs, 1)
		assert.True(t, status.Outputs[0].IsOn)
		assert.Equal(t, "ActiveRunPlan", status.Outputs[0].Reason)

		require.Len(t, store.actions, 1)
		assert.Equal(t, types.ActionTurnOn, store.actions[0].Type)
		assert.True(t, store.actions[0].OK)
	})
}

func TestTickFailedActionCleared(t *testing.T) {
	ctx := context.Background()
	c, worker, store := newTestController(t, nil)

	c.tick(ctx)
	req := worker.lastSubmitted(t)
	req.OnComplete(types.SequenceResult{ID: req.ID, OK: false, Error: "device unreachable"})
	c.tick(ctx)

	pump := c.outputByName("pump")
	// The failure cleared the pending action and this tick resubmitted.
	require.NotNil(t, pump.ActionRequest())

	require.NotEmpty(t, store.actions)
	assert.False(t, store.actions[0].OK)
	assert.Equal(t, "device unreachable", store.actions[0].Error)
}

func TestTickRecordsUpdateSynchronously(t *testing.T) {
	ctx := context.Background()
	c, worker, _ := newTestController(t, nil)
	worker.snap = testSnapshot(true, map[int]bool{10: true})

	c.tick(ctx)

	assert.Empty(t, worker.submitted, "already-on output needs no device write")
	status := c.Status()
	require.NotNil(t, status)
	assert.True(t, status.Outputs[0].IsOn)
}

func TestSetModeCommand(t *testing.T) {
	ctx := context.Background()
	c, worker, _ := newTestController(t, nil)
	worker.snap = testSnapshot(true, map[int]bool{10: true})
	c.tick(ctx)

	c.PostCommand(ctx, types.Command{
		Kind:     types.CommandSetMode,
		OutputID: "pump",
		Mode:     types.AppModeOff,
	})
	c.tick(ctx)

	pump := c.outputByName("pump")
	assert.Equal(t, types.AppModeOff, pump.AppMode())
	req := worker.lastSubmitted(t)
	assert.False(t, req.Steps[0].State, "override turns the output off")

	t.Run("unknown output is ignored", func(t *testing.T) {
		c.PostCommand(ctx, types.Command{Kind: types.CommandSetMode, OutputID: "nope", Mode: types.AppModeOn})
		c.tick(ctx)
	})
}

func TestShutdownStopsFlaggedOutputs(t *testing.T) {
	ctx := context.Background()
	c, worker, store := newTestController(t, func(cfg *config.Config) {
		cfg.Outputs[0].StopOnExit = true
	})
	worker.snap = testSnapshot(true, map[int]bool{10: true})
	c.tick(ctx)
	worker.submitted = nil

	c.shutdown(ctx)

	req := worker.lastSubmitted(t)
	require.Len(t, req.Steps, 1)
	assert.Equal(t, types.StepChangeOutput, req.Steps[0].Kind)
	assert.False(t, req.Steps[0].State)
	assert.Greater(t, store.saves, 1, "final state persisted")
}

func TestRestoreState(t *testing.T) {
	ctx := context.Background()
	c, _, store := newTestController(t, nil)

	store.state = &storage.StateFile{
		SchemaVersion: types.SchemaVersion,
		StateFileType: types.StateFileType,
		DeviceName:    "house",
		SaveTime:      time.Now().Add(-time.Minute),
		Outputs: []outputs.State{{
			Name:        "pump",
			SystemState: types.SystemStateAppOverride,
			IsOn:        true,
			ReasonOn:    types.ReasonOnAppModeOn,
			AppMode:     types.AppModeOn,
		}},
	}

	c.restoreState(ctx)

	pump := c.outputByName("pump")
	assert.Equal(t, types.SystemStateAppOverride, pump.SystemState())
	assert.Equal(t, types.AppModeOn, pump.AppMode())
}

func TestDeviceTempAlert(t *testing.T) {
	ctx := context.Background()
	c, worker, _ := newTestController(t, nil)
	hot := 85.0
	snap := testSnapshot(true, nil)
	snap.Devices[0].TempC = &hot
	worker.snap = snap

	// The warning path must not disturb the tick.
	c.tick(ctx)
	require.NotNil(t, c.Status())
}

func TestProbeLogTrimmed(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t, nil)

	for i := 0; i < maxProbeReadings+10; i++ {
		c.tick(ctx)
	}
	assert.LessOrEqual(t, len(c.tempLog["water_temp"]), maxProbeReadings)
}

func TestResolveDeviceLocation(t *testing.T) {
	ctx := context.Background()

	t.Run("configured coordinates skip the device", func(t *testing.T) {
		c, worker, _ := newTestController(t, nil)
		c.resolveDeviceLocation(ctx)
		assert.Equal(t, 0, worker.locationReqs)
	})

	t.Run("missing coordinates use the device fix", func(t *testing.T) {
		c, worker, _ := newTestController(t, func(cfg *config.Config) {
			cfg.Location = config.Location{Timezone: "Australia/Sydney"}
		})
		worker.location = &types.Location{
			Timezone: "Australia/Sydney", Latitude: -33.87, Longitude: 151.21,
		}

		c.resolveDeviceLocation(ctx)

		assert.Equal(t, 1, worker.locationReqs)
		require.NotNil(t, c.deviceLoc)
		assert.Equal(t, -33.87, c.deviceLoc.Latitude)
	})

	t.Run("fetch failure is not fatal", func(t *testing.T) {
		c, worker, _ := newTestController(t, func(cfg *config.Config) {
			cfg.Location = config.Location{Timezone: "Australia/Sydney"}
		})
		worker.location = nil

		c.resolveDeviceLocation(ctx)

		assert.Equal(t, 1, worker.locationReqs)
		assert.Nil(t, c.deviceLoc)
	})
}
