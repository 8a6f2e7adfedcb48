package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/solixplan/solixplan/pkg/storage"
	"github.com/solixplan/solixplan/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context, siteID string) (types.Settings, int, error) {
	args := m.Called(ctx, siteID)
	// return empty if not specified
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error {
	args := m.Called(ctx, siteID, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) GetScheduleSnapshot(ctx context.Context, siteID string) (types.ScheduleSnapshot, bool, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		return args.Get(0).(types.ScheduleSnapshot), args.Bool(1), args.Error(2)
	}
	return types.ScheduleSnapshot{}, false, nil
}

func (m *MockDatabase) SetScheduleSnapshot(ctx context.Context, siteID string, snap types.ScheduleSnapshot) error {
	args := m.Called(ctx, siteID, snap)
	return args.Error(0)
}

func (m *MockDatabase) InsertChange(ctx context.Context, siteID string, change types.Change) error {
	args := m.Called(ctx, siteID, change)
	return args.Error(0)
}

func (m *MockDatabase) GetChangeHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.Change, error) {
	args := m.Called(ctx, siteID, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.Change), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestChange(ctx context.Context, siteID string) (*types.Change, error) {
	args := m.Called(ctx, siteID)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(*types.Change), args.Error(1)
}

func (m *MockDatabase) GetUser(ctx context.Context, userID string) (types.User, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.User), args.Error(1)
	}
	return types.User{}, nil
}

func (m *MockDatabase) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		return args.Get(0).(types.Site), args.Error(1)
	}
	return types.Site{}, nil
}

func (m *MockDatabase) UpdateSite(ctx context.Context, siteID string, site types.Site) error {
	args := m.Called(ctx, siteID, site)
	return args.Error(0)
}

func (m *MockDatabase) CreateSite(ctx context.Context, siteID string, site types.Site) error {
	args := m.Called(ctx, siteID, site)
	return args.Error(0)
}

func (m *MockDatabase) CreateUser(ctx context.Context, user types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockDatabase) UpdateUser(ctx context.Context, user types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockDatabase) ListSites(ctx context.Context) ([]types.Site, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.Site), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
