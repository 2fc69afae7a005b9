package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/relaypilot/relaypilot/pkg/storage"
)

type MockStore struct {
	mock.Mock
}

var _ storage.Store = (*MockStore)(nil)

func (m *MockStore) LoadState(ctx context.Context, deviceName string) (*storage.StateFile, error) {
	args := m.Called(ctx, deviceName)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(*storage.StateFile), args.Error(1)
}

func (m *MockStore) SaveState(ctx context.Context, state storage.StateFile) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockStore) InsertAction(ctx context.Context, deviceName string, rec storage.ActionRecord) error {
	args := m.Called(ctx, deviceName, rec)
	return args.Error(0)
}

func (m *MockStore) GetActionHistory(ctx context.Context, deviceName string, start, end time.Time) ([]storage.ActionRecord, error) {
	args := m.Called(ctx, deviceName, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]storage.ActionRecord), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
