package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/solixplan/solixplan/pkg/ess"
	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/schedule"
	"github.com/solixplan/solixplan/pkg/storage/storagemock"
	"github.com/solixplan/solixplan/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
	schedule.PanicOnInvariantViolation.Store(true)
}

type fakeSystem struct {
	mu     sync.Mutex
	caps   types.Capabilities
	s      types.Schedule
	gets   int
	sets   int
	setErr error
}

func (f *fakeSystem) ApplySettings(ctx context.Context, settings types.Settings) error {
	return nil
}

func (f *fakeSystem) Authenticate(ctx context.Context, creds types.Credentials) (types.Credentials, bool, error) {
	return creds, false, nil
}

func (f *fakeSystem) Capabilities() types.Capabilities {
	return f.caps
}

func (f *fakeSystem) GetSchedule(ctx context.Context) (types.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	return f.s.Clone(), nil
}

func (f *fakeSystem) SetSchedule(ctx context.Context, s types.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.sets++
	f.s = s.Clone()
	return nil
}

func (f *fakeSystem) stored() types.Schedule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s.Clone()
}

var testNow = time.Date(2025, 6, 11, 10, 30, 0, 0, time.UTC)

func newFakeSystem(t *testing.T, model string) *fakeSystem {
	caps, err := ess.DefaultProfiles().Get(model)
	require.NoError(t, err)
	return &fakeSystem{
		caps: caps,
		s:    schedule.NewSchedule(schedule.Options{Now: testNow, Capabilities: caps}),
	}
}

func newTestController(db *storagemock.MockDatabase, sys ess.System, settings types.Settings) *Controller {
	c := New(func(ctx context.Context, siteID string) (ess.System, types.Settings, error) {
		return sys, settings, nil
	}, db)
	c.now = func() time.Time { return testNow }
	return c
}

func setMode(mode types.UsageMode) func(types.Schedule, schedule.Options) (schedule.Result, error) {
	return func(s types.Schedule, opt schedule.Options) (schedule.Result, error) {
		out := s.Clone()
		out.ModeType = mode
		return schedule.Result{Schedule: out}, nil
	}
}

func TestOptions(t *testing.T) {
	caps := types.Capabilities{Model: "A17C1", Generation: 2}

	t.Run("timezone and offset", func(t *testing.T) {
		opt, err := Options(types.Settings{
			Timezone:          "Europe/Berlin",
			TimeOffsetMinutes: -15,
			DeviceSerials:     []string{"A", "B"},
			FixedPrice:        0.25,
			Currency:          "€",
		}, caps, testNow)
		require.NoError(t, err)
		assert.Equal(t, "Europe/Berlin", opt.Location.String())
		assert.Equal(t, -15*time.Minute, opt.Offset)
		assert.Equal(t, []string{"A", "B"}, opt.Devices)
		assert.Equal(t, 0.25, opt.FixedPrice)
		assert.Equal(t, "€", opt.Currency)
		assert.Equal(t, caps, opt.Capabilities)
		// 10:30 UTC is 12:30 in Berlin in June, minus 15 minutes
		assert.Equal(t, 12, opt.Local().Hour())
		assert.Equal(t, 15, opt.Local().Minute())
	})

	t.Run("empty timezone is utc", func(t *testing.T) {
		opt, err := Options(types.Settings{}, caps, testNow)
		require.NoError(t, err)
		assert.Equal(t, time.UTC, opt.Location)
	})

	t.Run("invalid timezone", func(t *testing.T) {
		_, err := Options(types.Settings{Timezone: "Nowhere/Else"}, caps, testNow)
		assert.Error(t, err)
	})
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()

	t.Run("loads once", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetLatestChange", mock.Anything, "s1").Return(nil, nil).Once()
		sys := newFakeSystem(t, "A17C1")
		c := newTestController(db, sys, types.Settings{})

		snap, err := c.Schedule(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), snap.Version)
		assert.Equal(t, types.UsageModeManual, snap.Schedule.ModeType)
		assert.Equal(t, testNow, snap.Fetched)

		_, err = c.Schedule(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 1, sys.gets)
		db.AssertExpectations(t)
	})

	t.Run("version continues from history", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetLatestChange", mock.Anything, "s1").Return(&types.Change{Version: 7}, nil)
		c := newTestController(db, newFakeSystem(t, "A17C1"), types.Settings{})

		snap, err := c.Schedule(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(7), snap.Version)
	})

	t.Run("history error", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetLatestChange", mock.Anything, "s1").Return(nil, errors.New("boom"))
		c := newTestController(db, newFakeSystem(t, "A17C1"), types.Settings{})

		snap, err := c.Schedule(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), snap.Version)
	})

	t.Run("system error", func(t *testing.T) {
		c := New(func(ctx context.Context, siteID string) (ess.System, types.Settings, error) {
			return nil, types.Settings{}, ess.ErrUnknownProvider
		}, &storagemock.MockDatabase{})
		_, err := c.Schedule(ctx, "s1")
		assert.ErrorIs(t, err, ess.ErrUnknownProvider)
	})

	t.Run("returned schedule is a copy", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetLatestChange", mock.Anything, "s1").Return(nil, nil)
		c := newTestController(db, newFakeSystem(t, "A17C1"), types.Settings{})

		snap, err := c.Schedule(ctx, "s1")
		require.NoError(t, err)
		snap.Schedule.CustomRatePlan[0].Ranges[0].Power = 1
		again, err := c.Schedule(ctx, "s1")
		require.NoError(t, err)
		assert.NotEqual(t, 1, again.Schedule.CustomRatePlan[0].Ranges[0].Power)
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	db := &storagemock.MockDatabase{}
	db.On("GetLatestChange", mock.Anything, "s1").Return(nil, nil)
	sys := newFakeSystem(t, "A17C1")
	c := newTestController(db, sys, types.Settings{})

	snap, err := c.Refresh(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version)

	snap, err = c.Refresh(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version, "unchanged schedule keeps its version")

	require.NoError(t, sys.SetSchedule(ctx, func() types.Schedule {
		s := sys.stored()
		s.ModeType = types.UsageModeSelfConsumption
		return s
	}()))
	snap, err = c.Refresh(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)
	assert.Equal(t, types.UsageModeSelfConsumption, snap.Schedule.ModeType)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	db := &storagemock.MockDatabase{}
	db.On("GetLatestChange", mock.Anything, "s1").Return(nil, nil).Once()
	db.On("GetLatestChange", mock.Anything, "s1").Return(&types.Change{Version: 3}, nil).Once()
	sys := newFakeSystem(t, "A17C1")
	c := newTestController(db, sys, types.Settings{})

	_, err := c.Schedule(ctx, "s1")
	require.NoError(t, err)
	c.Forget("s1")
	snap, err := c.Schedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sys.gets)
	assert.Equal(t, uint64(3), snap.Version)
	db.AssertExpectations(t)
}

func TestMutate(t *testing.T) {
	ctx := context.Background()

	t.Run("commit", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetLatestChange", mock.Anything, "s1").Return(nil, nil)
		db.On("InsertChange", mock.Anything, "s1", mock.MatchedBy(func(c types.Change) bool {
			return c.Operation == "mode" &&
				c.Version == 2 &&
				!c.DryRun &&
				c.Error == "" &&
				c.ID != "" &&
				c.Timestamp.Equal(testNow) &&
				string(c.Request) == `{"mode":"smart_plugs"}`
		})).Return(nil).Once()
		sys := newFakeSystem(t, "A17C1")
		c := newTestController(db, sys, types.Settings{})

		out, err := c.Mutate(ctx, "s1", Mutation{
			Operation: "mode",
			Request:   map[string]string{"mode": "smart_plugs"},
			Version:   1,
			Apply: func(s types.Schedule, opt schedule.Options) (schedule.Result, error) {
				return schedule.SetUsageMode(s, types.UsageModeSmartPlugs, opt)
			},
		})
		require.NoError(t, err)
		assert.True(t, out.Submitted)
		assert.NotEmpty(t, out.ChangeID)
		assert.Equal(t, uint64(2), out.Version)
		assert.Equal(t, types.UsageModeSmartPlugs, out.Schedule.ModeType)
		assert.Len(t, out.Schedule.BlendPlan, 1)
		assert.Equal(t, 1, sys.sets)
		assert.Equal(t, types.UsageModeSmartPlugs, sys.stored().ModeType)

		snap, err := c.Schedule(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), snap.Version)
		assert.Equal(t, out.Schedule, snap.Schedule)
		db.AssertExpectations(t)
	})

	t.Run("warnings are recorded", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetLatestChange", mock.Anything, "s1").Return(nil, nil)
		db.On("InsertChange", mock.Anything, "s1", mock.MatchedBy(func(c types.Change) bool {
			return len(c.Warnings) == 1 && c.Warnings[0] == "unsupported field: weekdays"
		})).Return(nil).Once()
		c := newTestController(db, newFakeSystem(t, "A17C1"), types.Settings{})

		out, err := c.Mutate(ctx, "s1", Mutation{
			Operation: "update",
			Apply: func(s types.Schedule, opt schedule.Options) (schedule.Result, error) {
				return schedule.Result{
					Schedule: s,
					Warnings: []error{fmt.Errorf("%w: weekdays", schedule.ErrUnsupportedField)},
				}, nil
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"unsupported field: weekdays"}, out.Warnings)
	})

	t.Run("stale version", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetLatestChange", mock.Anything, "s1").Return(&types.Change{Version: 4}, nil)
		sys := newFakeSystem(t, "A17C1")
		c := newTestController(db, sys, types.Settings{})

		_, err := c.Mutate(ctx, "s1", Mutation{
			Operation: "mode",
			Version:   3,
			Apply:     setMode(types.UsageModeSelfConsumption),
		})
		assert.ErrorIs(t, err, schedule.ErrStaleSchedule)
		assert.Equal(t, 0, sys.sets)
		db.AssertNotCalled(t, "InsertChange", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("engine error", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetLatestChange", mock.Anything, "s1").Return(nil, nil)
		sys := newFakeSystem(t, "A17C1")
		c := newTestController(db, sys, types.Settings{})

		_, err := c.Mutate(ctx, "s1", Mutation{
			Operation: "update",
			Apply: func(s types.Schedule, opt schedule.Options) (schedule.Result, error) {
				return schedule.Result{}, schedule.ErrInvalidRange
			},
		})
		assert.ErrorIs(t, err, schedule.ErrInvalidRange)
		assert.Equal(t, 0, sys.sets)
		db.AssertNotCalled(t, "InsertChange", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("dry run", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetLatestChange", mock.Anything, "s1").Return(nil, nil)
		db.On("InsertChange", mock.Anything, "s1", mock.MatchedBy(func(c types.Change) bool {
			return c.DryRun && c.Version == 1
		})).Return(nil).Once()
		sys := newFakeSystem(t, "A17C1")
		c := newTestController(db, sys, types.Settings{DryRun: true})

		out, err := c.Mutate(ctx, "s1", Mutation{
			Operation: "mode",
			Apply:     setMode(types.UsageModeSelfConsumption),
		})
		require.NoError(t, err)
		assert.False(t, out.Submitted)
		assert.Equal(t, uint64(1), out.Version)
		assert.Equal(t, types.UsageModeSelfConsumption, out.Schedule.ModeType)
		assert.Equal(t, 0, sys.sets)

		snap, err := c.Schedule(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, types.UsageModeManual, snap.Schedule.ModeType)
		db.AssertExpectations(t)
	})

	t.Run("paused", func(t *testing.T) {
		sys := newFakeSystem(t, "A17C1")
		c := newTestController(&storagemock.MockDatabase{}, sys, types.Settings{Pause: true})

		_, err := c.Mutate(ctx, "s1", Mutation{
			Operation: "mode",
			Apply:     setMode(types.UsageModeSelfConsumption),
		})
		assert.ErrorIs(t, err, ErrPaused)
		assert.Equal(t, 0, sys.gets)
	})

	t.Run("submit error", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetLatestChange", mock.Anything, "s1").Return(nil, nil)
		db.On("InsertChange", mock.Anything, "s1", mock.MatchedBy(func(c types.Change) bool {
			return c.Error == "cloud says no" && c.Version == 1
		})).Return(nil).Once()
		sys := newFakeSystem(t, "A17C1")
		sys.setErr = errors.New("cloud says no")
		c := newTestController(db, sys, types.Settings{})

		_, err := c.Mutate(ctx, "s1", Mutation{
			Operation: "mode",
			Apply:     setMode(types.UsageModeSelfConsumption),
		})
		assert.ErrorIs(t, err, sys.setErr)

		snap, err := c.Schedule(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), snap.Version)
		assert.Equal(t, types.UsageModeManual, snap.Schedule.ModeType)
		db.AssertExpectations(t)
	})

	t.Run("record error does not fail the mutation", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetLatestChange", mock.Anything, "s1").Return(nil, nil)
		db.On("InsertChange", mock.Anything, "s1", mock.Anything).Return(errors.New("db down"))
		c := newTestController(db, newFakeSystem(t, "A17C1"), types.Settings{})

		out, err := c.Mutate(ctx, "s1", Mutation{
			Operation: "mode",
			Apply:     setMode(types.UsageModeSelfConsumption),
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), out.Version)
	})

	t.Run("mutations are serialized", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetLatestChange", mock.Anything, "s1").Return(nil, nil)
		db.On("InsertChange", mock.Anything, "s1", mock.Anything).Return(nil)
		sys := newFakeSystem(t, "A17C1")
		c := newTestController(db, sys, types.Settings{})

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.Mutate(ctx, "s1", Mutation{
					Operation: "bump",
					Apply: func(s types.Schedule, opt schedule.Options) (schedule.Result, error) {
						out := s.Clone()
						out.DefaultHomeLoad++
						return schedule.Result{Schedule: out}, nil
					},
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		snap, err := c.Schedule(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 10, snap.Schedule.DefaultHomeLoad)
		assert.Equal(t, uint64(11), snap.Version)
		assert.Equal(t, 10, sys.sets)
	})
}

func TestRefreshAll(t *testing.T) {
	ctx := context.Background()
	db := &storagemock.MockDatabase{}
	db.On("ListSites", mock.Anything).Return([]types.Site{{ID: "s1"}, {ID: "paused"}}, nil)
	db.On("GetLatestChange", mock.Anything, mock.Anything).Return(nil, nil)

	systems := map[string]*fakeSystem{
		"s1":     newFakeSystem(t, "A17C1"),
		"paused": newFakeSystem(t, "A17C1"),
		"cached": newFakeSystem(t, "A17C0"),
	}
	c := New(func(ctx context.Context, siteID string) (ess.System, types.Settings, error) {
		sys, ok := systems[siteID]
		if !ok {
			return nil, types.Settings{}, errors.New("no such site")
		}
		return sys, types.Settings{Pause: siteID == "paused"}, nil
	}, db)
	c.now = func() time.Time { return testNow }

	_, err := c.Schedule(ctx, "cached")
	require.NoError(t, err)

	c.RefreshAll(ctx)
	assert.Equal(t, 1, systems["s1"].gets)
	assert.Equal(t, 0, systems["paused"].gets)
	assert.Equal(t, 2, systems["cached"].gets)
}

func TestRun(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("ListSites", mock.Anything).Return([]types.Site{}, nil)
	c := newTestController(db, newFakeSystem(t, "A17C1"), types.Settings{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, 10*time.Millisecond)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the context was done")
	}
}
