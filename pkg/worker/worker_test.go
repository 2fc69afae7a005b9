package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypilot/relaypilot/pkg/device"
	"github.com/relaypilot/relaypilot/pkg/types"
)

type fakeClient struct {
	mu sync.Mutex

	changeCalls   int
	changeFailFor int
	refreshCalls  int
	offline       map[int]bool
	location      types.Location
	locationErr   error
}

func (f *fakeClient) Refresh(ctx context.Context, dev device.Config) (device.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.offline[dev.ID] {
		return device.Status{}, errors.New("connection refused")
	}
	return device.Status{
		Online:   true,
		Switches: map[int]device.SwitchStatus{0: {On: true, PowerW: 100, EnergyWh: 5000}},
	}, nil
}

func (f *fakeClient) ChangeOutput(ctx context.Context, dev device.Config, channel int, on bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changeCalls++
	if f.changeCalls <= f.changeFailFor {
		return false, errors.New("device busy")
	}
	return true, nil
}

func (f *fakeClient) GetLocation(ctx context.Context, dev device.Config) (types.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locationErr != nil {
		return types.Location{}, f.locationErr
	}
	return f.location, nil
}

func (f *fakeClient) changes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changeCalls
}

func testDevices() []device.Config {
	return []device.Config{
		{ID: 1, Name: "garage", Outputs: []device.PortConfig{{ID: 10, Name: "pool_pump", Channel: 0}}},
		{ID: 2, Name: "shed", Outputs: []device.PortConfig{{ID: 11, Name: "heater", Channel: 0}}},
	}
}

func startWorker(t *testing.T, client *fakeClient) *Worker {
	t.Helper()
	w := New(Config{Client: client, Devices: testDevices()})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return w
}

func TestSequenceRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("enough retries succeeds", func(t *testing.T) {
		client := &fakeClient{changeFailFor: 2}
		w := startWorker(t, client)

		require.NoError(t, w.Submit(types.SequenceRequest{
			ID: "seq-1",
			Steps: []types.SequenceStep{
				{Kind: types.StepSleep, Seconds: 0.01},
				{Kind: types.StepChangeOutput, OutputID: 10, State: true, Retries: 2, RetryBackoff: time.Millisecond},
				{Kind: types.StepRefreshStatus},
			},
		}))
		res, completed := w.WaitForResult(ctx, "seq-1", 5*time.Second)
		require.True(t, completed)
		assert.True(t, res.OK, "two failures then success within retries=2")
		assert.Equal(t, 3, client.changes())
	})

	t.Run("too few retries fails", func(t *testing.T) {
		client := &fakeClient{changeFailFor: 2}
		w := startWorker(t, client)

		require.NoError(t, w.Submit(types.SequenceRequest{
			ID: "seq-2",
			Steps: []types.SequenceStep{
				{Kind: types.StepChangeOutput, OutputID: 10, State: true, Retries: 1, RetryBackoff: time.Millisecond},
			},
		}))
		res, completed := w.WaitForResult(ctx, "seq-2", 5*time.Second)
		require.True(t, completed)
		assert.False(t, res.OK)
		assert.Contains(t, res.Error, "device busy")
		assert.Equal(t, 1, w.ConcurrentErrors())
	})
}

func TestSequenceOverallTimeout(t *testing.T) {
	client := &fakeClient{}
	w := startWorker(t, client)

	start := time.Now()
	require.NoError(t, w.Submit(types.SequenceRequest{
		ID:      "slow",
		Timeout: time.Second,
		Steps: []types.SequenceStep{
			{Kind: types.StepSleep, Seconds: 5},
			{Kind: types.StepChangeOutput, OutputID: 10, State: true},
		},
	}))
	res, completed := w.WaitForResult(context.Background(), "slow", 5*time.Second)
	elapsed := time.Since(start)

	require.True(t, completed)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "sequence timeout")
	assert.Less(t, elapsed, 2*time.Second, "the sequence is cut off at its 1s budget")
	assert.Zero(t, client.changes(), "steps after the timeout never run")
}

func TestSequencesRunSerially(t *testing.T) {
	client := &fakeClient{}
	w := startWorker(t, client)

	var mu sync.Mutex
	var results []types.SequenceResult
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		require.NoError(t, w.Submit(types.SequenceRequest{
			ID: fmt.Sprintf("seq-%d", i),
			Steps: []types.SequenceStep{
				{Kind: types.StepSleep, Seconds: 0.05},
			},
			OnComplete: func(res types.SequenceResult) {
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				wg.Done()
			},
		}))
	}
	wg.Wait()

	require.Len(t, results, 3)
	for i := 1; i < len(results); i++ {
		assert.False(t, results[i].Started.Before(results[i-1].Finished),
			"sequence %d started before sequence %d finished", i, i-1)
	}
}

func TestRefreshPublishesSnapshot(t *testing.T) {
	client := &fakeClient{offline: map[int]bool{2: true}}
	w := startWorker(t, client)

	_, ok := w.LatestStatus()
	assert.False(t, ok, "no snapshot before the first refresh")

	require.NoError(t, w.RequestRefreshStatus("refresh-1"))
	res, completed := w.WaitForResult(context.Background(), "refresh-1", 5*time.Second)
	require.True(t, completed)
	assert.True(t, res.OK, "an unreachable device does not fail the refresh")

	snap, ok := w.LatestStatus()
	require.True(t, ok)
	require.Len(t, snap.Devices, 2)
	assert.True(t, snap.Devices[0].Online)
	assert.False(t, snap.Devices[1].Online)
	require.Len(t, snap.Outputs, 2)
	assert.True(t, snap.Outputs[0].On)

	assert.Zero(t, w.ConcurrentErrors(), "successful refresh resets the counter")
	assert.False(t, w.ReinitialiseNeeded())

	// Bring the shed back online; the worker flags a reinitialise.
	client.mu.Lock()
	client.offline = nil
	client.mu.Unlock()
	require.NoError(t, w.RequestRefreshStatus("refresh-2"))
	_, completed = w.WaitForResult(context.Background(), "refresh-2", 5*time.Second)
	require.True(t, completed)

	assert.True(t, w.ReinitialiseNeeded())
	assert.False(t, w.ReinitialiseNeeded(), "reading the flag clears it")
}

func TestGetLocation(t *testing.T) {
	client := &fakeClient{location: types.Location{Timezone: "Australia/Sydney", Latitude: -33.87, Longitude: 151.21}}
	w := startWorker(t, client)

	_, ok := w.Location()
	assert.False(t, ok)

	require.NoError(t, w.RequestDeviceLocation("loc-1", 1))
	res, completed := w.WaitForResult(context.Background(), "loc-1", 5*time.Second)
	require.True(t, completed)
	require.True(t, res.OK)

	loc, ok := w.Location()
	require.True(t, ok)
	assert.Equal(t, "Australia/Sydney", loc.Timezone)
}

func TestWaitForResultUnknownID(t *testing.T) {
	w := New(Config{Client: &fakeClient{}, Devices: testDevices()})
	res, completed := w.WaitForResult(context.Background(), "never-submitted", time.Millisecond)
	assert.True(t, completed)
	assert.True(t, res.OK, "an unknown id counts as already completed")
}

func TestSubmitValidation(t *testing.T) {
	w := New(Config{Client: &fakeClient{}, Devices: testDevices(), QueueSize: 1})

	require.Error(t, w.Submit(types.SequenceRequest{}), "an ID is required")

	// Without a running worker the queue fills up.
	require.NoError(t, w.Submit(types.SequenceRequest{ID: "a", Steps: []types.SequenceStep{{Kind: types.StepRefreshStatus}}}))
	err := w.Submit(types.SequenceRequest{ID: "b", Steps: []types.SequenceStep{{Kind: types.StepRefreshStatus}}})
	require.ErrorIs(t, err, ErrQueueFull)

	require.Error(t, w.Submit(types.SequenceRequest{ID: "a"}), "duplicate pending id")
}
