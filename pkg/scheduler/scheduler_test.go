package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypilot/relaypilot/pkg/planner"
	"github.com/relaypilot/relaypilot/pkg/types"
)

func newTestScheduler(t *testing.T, schedules []Schedule) (*Scheduler, *time.Time) {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, Config{
		Schedules: schedules,
		Location:  types.Location{Timezone: "Australia/Sydney", Latitude: -33.87, Longitude: 151.21},
	})
	require.NoError(t, err)

	// Monday.
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, s.tz)
	s.now = func() time.Time { return now }
	s.dawn = time.Date(2026, 8, 24, 6, 12, 0, 0, s.tz)
	s.dusk = time.Date(2026, 8, 24, 19, 47, 0, 0, s.tz)
	return s, &now
}

func TestNewValidation(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, Config{
		Schedules: []Schedule{{Name: "broken", Windows: []Window{{StartTime: "10:00"}}}},
		Location:  types.Location{Timezone: "Australia/Sydney"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start and end time")

	_, err = New(ctx, Config{Location: types.Location{Timezone: "Not/AZone"}})
	require.Error(t, err)
}

func TestSlots(t *testing.T) {
	s, now := newTestScheduler(t, []Schedule{{
		Name: "pool",
		Windows: []Window{
			{StartTime: "06:00", EndTime: "08:00", Price: 18},
			{StartTime: "10:00", EndTime: "12:00", Price: 22},
			{StartTime: "18:00", EndTime: "20:00"},
		},
	}})
	ctx := context.Background()

	slots, err := s.Slots(ctx, "pool")
	require.NoError(t, err)
	require.Len(t, slots, 2, "the finished morning window should be dropped")

	assert.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, s.tz), slots[0].Start)
	assert.Equal(t, 120, slots[0].Minutes)
	assert.Equal(t, 22.0, slots[0].Price)
	assert.Equal(t, types.DefaultPrice, slots[1].Price, "window without a price uses the default")

	// Inside the second window it gets clipped to now.
	*now = time.Date(2026, 8, 24, 11, 0, 0, 0, s.tz)
	slots, err = s.Slots(ctx, "pool")
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, *now, slots[0].Start)
	assert.Equal(t, 60, slots[0].Minutes)

	_, err = s.Slots(ctx, "spa")
	require.Error(t, err)
}

func TestSlotsDaysOfWeek(t *testing.T) {
	s, _ := newTestScheduler(t, []Schedule{{
		Name: "weekend",
		Windows: []Window{
			{StartTime: "10:00", EndTime: "12:00", DaysOfWeek: "Sat, Sun"},
			{StartTime: "13:00", EndTime: "14:00", DaysOfWeek: "Mon,Tue"},
			{StartTime: "15:00", EndTime: "16:00", DaysOfWeek: "All"},
		},
	}})

	slots, err := s.Slots(context.Background(), "weekend")
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, 13, slots[0].Start.Hour())
	assert.Equal(t, 15, slots[1].Start.Hour())
}

func TestSlotsDawnDusk(t *testing.T) {
	s, _ := newTestScheduler(t, []Schedule{
		{Name: "solar", Windows: []Window{{StartTime: "dawn-00:30", EndTime: "Dawn+04:00", Price: 12}}},
		{Name: "evening", Windows: []Window{{StartTime: "dusk", EndTime: "dusk+01:30", Price: 40}}},
		{Name: "bad", Windows: []Window{{StartTime: "dawn+5", EndTime: "12:00"}}},
	})
	ctx := context.Background()

	slots, err := s.Slots(ctx, "solar")
	require.NoError(t, err)
	require.Len(t, slots, 1)
	// dawn is 06:12 but the start is clipped to now (09:00).
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, s.tz), slots[0].Start)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 12, 0, 0, s.tz), slots[0].End)

	slots, err = s.Slots(ctx, "evening")
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, time.Date(2026, 8, 24, 19, 47, 0, 0, s.tz), slots[0].Start)
	assert.Equal(t, 90, slots[0].Minutes)

	_, err = s.Slots(ctx, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset")
}

func TestGetCurrentPrice(t *testing.T) {
	s, now := newTestScheduler(t, []Schedule{{
		Name: "pool",
		Windows: []Window{
			{StartTime: "08:00", EndTime: "10:00", Price: 15},
			{StartTime: "14:00", EndTime: "16:00", Price: 28},
		},
	}})
	ctx := context.Background()

	assert.Equal(t, 15.0, s.GetCurrentPrice(ctx, "pool"))

	*now = time.Date(2026, 8, 24, 12, 0, 0, 0, s.tz)
	assert.Equal(t, types.DefaultPrice, s.GetCurrentPrice(ctx, "pool"), "between windows")

	*now = time.Date(2026, 8, 24, 14, 30, 0, 0, s.tz)
	assert.Equal(t, 28.0, s.GetCurrentPrice(ctx, "pool"))

	assert.Equal(t, types.DefaultPrice, s.GetCurrentPrice(ctx, "missing"))
}

func TestGetRunPlan(t *testing.T) {
	s, _ := newTestScheduler(t, []Schedule{{
		Name: "pool",
		Windows: []Window{
			{StartTime: "10:00", EndTime: "12:00", Price: 30},
			{StartTime: "13:00", EndTime: "15:00", Price: 12},
		},
	}})

	plan, err := s.GetRunPlan(context.Background(), "pool", planner.Request{
		RequiredHours:    1,
		MaxPrice:         35,
		MaxPriorityPrice: 35,
		HourlyEnergyW:    1000,
	})
	require.NoError(t, err)

	assert.Equal(t, types.PlanSourceSchedule, plan.Source)
	assert.Equal(t, "pool", plan.Schedule)
	assert.Equal(t, types.PlanStatusReady, plan.Status)
	require.Len(t, plan.Slots, 1)
	// The cheaper afternoon window wins.
	assert.Equal(t, 13, plan.Slots[0].Start.Hour())
	assert.Equal(t, 60, plan.Slots[0].Minutes)
	assert.Equal(t, 12.0, plan.ForecastAvgPrice)

	_, err = s.GetRunPlan(context.Background(), "missing", planner.Request{
		RequiredHours: 1, MaxPrice: 35, MaxPriorityPrice: 35,
	})
	require.Error(t, err)
}
