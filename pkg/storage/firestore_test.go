package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypilot/relaypilot/pkg/types"
)

func TestFirestoreStore(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreStore{
		projectID: "test-project-id",
		database:  randDB,
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("State", func(t *testing.T) {
		t.Run("missing doc is not an error", func(t *testing.T) {
			state, err := f.LoadState(ctx, "never-saved")
			require.NoError(t, err)
			assert.Nil(t, state)
		})

		saveTime := time.Now().Truncate(time.Second).UTC()
		in := StateFile{
			SchemaVersion: types.SchemaVersion,
			StateFileType: types.StateFileType,
			DeviceName:    "test-house",
			SaveTime:      saveTime,
		}
		require.NoError(t, f.SaveState(ctx, in))

		got, err := f.LoadState(ctx, "test-house")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "test-house", got.DeviceName)
		assert.True(t, got.SaveTime.Equal(saveTime))

		t.Run("missing device name rejected", func(t *testing.T) {
			assert.Error(t, f.SaveState(ctx, StateFile{}))
			_, err := f.LoadState(ctx, "")
			assert.ErrorContains(t, err, "deviceName cannot be empty")
		})
	})

	t.Run("Actions", func(t *testing.T) {
		now := time.Now().Truncate(time.Second).UTC()
		insert := func(ts time.Time, output string) {
			require.NoError(t, f.InsertAction(ctx, "test-house", ActionRecord{
				Timestamp:   ts,
				Output:      output,
				Type:        types.ActionTurnOn,
				SystemState: types.SystemStateAuto,
				OK:          true,
			}))
		}
		insert(now.Add(-2*time.Hour), "old")
		insert(now.Add(-30*time.Minute), "pump")
		insert(now.Add(-10*time.Minute), "heater")

		recs, err := f.GetActionHistory(ctx, "test-house", now.Add(-time.Hour), now)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "pump", recs[0].Output)
		assert.Equal(t, "heater", recs[1].Output)

		for _, r := range recs {
			assert.NotEqual(t, "old", r.Output, "record outside range should not be returned")
		}
	})
}
