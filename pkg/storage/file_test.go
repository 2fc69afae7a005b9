package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypilot/relaypilot/pkg/outputs"
	"github.com/relaypilot/relaypilot/pkg/scheduler"
	"github.com/relaypilot/relaypilot/pkg/types"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(
		filepath.Join(dir, "state.json"),
		filepath.Join(dir, "actions.jsonl"),
	)
}

func TestFileStoreStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newTestFileStore(t)

	t.Run("missing file is not an error", func(t *testing.T) {
		state, err := f.LoadState(ctx, "house")
		require.NoError(t, err)
		assert.Nil(t, state)
	})

	saveTime := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	temp := 21.5
	in := StateFile{
		DeviceName: "house",
		SaveTime:   saveTime,
		Outputs: []outputs.State{{
			Name:        "pump",
			SystemState: types.SystemStateAuto,
			IsOn:        true,
			ReasonOn:    types.ReasonOnActiveRunPlan,
			LastChanged: saveTime.Add(-time.Hour),
		}},
		Scheduler: scheduler.State{
			Dawn: time.Date(2026, 8, 24, 6, 32, 0, 0, time.UTC),
			Dusk: time.Date(2026, 8, 24, 17, 25, 0, 0, time.UTC),
		},
		TempProbeLogging: TempProbeLog{
			"water_temp": {{Time: saveTime, TempC: &temp}},
		},
	}
	require.NoError(t, f.SaveState(ctx, in))

	t.Run("datatype hints written", func(t *testing.T) {
		raw, err := os.ReadFile(f.statePath)
		require.NoError(t, err)

		var doc map[string]any
		require.NoError(t, json.Unmarshal(raw, &doc))
		assert.Equal(t, "datetime", doc["SaveTime__datatype"])
		assert.Equal(t, types.StateFileType, doc["StateFileType"])
		assert.EqualValues(t, types.SchemaVersion, doc["SchemaVersion"])

		out, ok := doc["Outputs"].([]any)
		require.True(t, ok)
		require.Len(t, out, 1)
		pump := out[0].(map[string]any)
		assert.Equal(t, "datetime", pump["lastChanged__datatype"])
	})

	t.Run("load strips hints and restores values", func(t *testing.T) {
		got, err := f.LoadState(ctx, "house")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "house", got.DeviceName)
		assert.True(t, got.SaveTime.Equal(saveTime))
		require.Len(t, got.Outputs, 1)
		assert.Equal(t, "pump", got.Outputs[0].Name)
		assert.True(t, got.Outputs[0].IsOn)
		assert.True(t, got.Scheduler.Dawn.Equal(in.Scheduler.Dawn))
		require.Len(t, got.TempProbeLogging["water_temp"], 1)
		require.NotNil(t, got.TempProbeLogging["water_temp"][0].TempC)
		assert.Equal(t, 21.5, *got.TempProbeLogging["water_temp"][0].TempC)
	})

	t.Run("wrong file type rejected", func(t *testing.T) {
		other := newTestFileStore(t)
		require.NoError(t, os.WriteFile(other.statePath, []byte(`{"StateFileType":"SomethingElse","SchemaVersion":1}`), 0o644))
		_, err := other.LoadState(ctx, "house")
		assert.ErrorContains(t, err, "unexpected type")
	})

	t.Run("newer schema rejected", func(t *testing.T) {
		other := newTestFileStore(t)
		require.NoError(t, os.WriteFile(other.statePath, []byte(`{"StateFileType":"PowerController","SchemaVersion":99}`), 0o644))
		_, err := other.LoadState(ctx, "house")
		assert.ErrorContains(t, err, "schema version")
	})
}

func TestFileStoreActionHistory(t *testing.T) {
	ctx := context.Background()
	f := newTestFileStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	t.Run("missing log is empty", func(t *testing.T) {
		recs, err := f.GetActionHistory(ctx, "house", now.Add(-time.Hour), now)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	insert := func(ts time.Time, output string) {
		require.NoError(t, f.InsertAction(ctx, "house", ActionRecord{
			Timestamp:   ts,
			Output:      output,
			Type:        types.ActionTurnOn,
			SystemState: types.SystemStateAuto,
			ReasonOn:    types.ReasonOnActiveRunPlan,
			OK:          true,
		}))
	}
	insert(now.Add(-2*time.Hour), "old")
	insert(now.Add(-30*time.Minute), "pump")
	insert(now.Add(-10*time.Minute), "heater")
	insert(now.Add(10*time.Minute), "future")

	recs, err := f.GetActionHistory(ctx, "house", now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "pump", recs[0].Output)
	assert.Equal(t, "heater", recs[1].Output)

	t.Run("range is start-inclusive end-exclusive", func(t *testing.T) {
		recs, err := f.GetActionHistory(ctx, "house", now.Add(-30*time.Minute), now.Add(-10*time.Minute))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "pump", recs[0].Output)
	})
}

func TestFileStoreSaveIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newTestFileStore(t)

	require.NoError(t, f.SaveState(ctx, StateFile{DeviceName: "house", SaveTime: time.Now()}))
	require.NoError(t, f.SaveState(ctx, StateFile{DeviceName: "house", SaveTime: time.Now()}))

	// No leftover temp file after a successful save.
	_, err := os.Stat(f.statePath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
