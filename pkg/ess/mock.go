package ess

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/solixplan/solixplan/pkg/schedule"
	"github.com/solixplan/solixplan/pkg/storage"
	"github.com/solixplan/solixplan/pkg/types"
)

// MockESS is a simulated device whose schedule lives in the database. It
// checks submitted schedules the way the cloud does and is used for
// development and demo sites.
type MockESS struct {
	mu       sync.Mutex
	db       storage.Database
	profiles *Profiles
	siteID   string
	settings types.Settings
	caps     types.Capabilities
}

func newMock(siteID string, db storage.Database, profiles *Profiles) *MockESS {
	return &MockESS{
		siteID:   siteID,
		db:       db,
		profiles: profiles,
	}
}

func mockInfo() types.ESSProviderInfo {
	return types.ESSProviderInfo{
		ID:          "mock",
		Name:        "Mock ESS",
		Credentials: []types.ESSCredential{},
		Hidden:      true,
	}
}

// ApplySettings saves the site settings and resolves the device model.
func (m *MockESS) ApplySettings(ctx context.Context, settings types.Settings) error {
	caps, err := m.profiles.Get(settings.DeviceModel)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	m.caps = caps
	return nil
}

// Authenticate accepts anything, the mock has no session.
func (m *MockESS) Authenticate(ctx context.Context, creds types.Credentials) (types.Credentials, bool, error) {
	return creds, false, nil
}

func (m *MockESS) Capabilities() types.Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

func (m *MockESS) options() schedule.Options {
	return schedule.Options{
		Capabilities: m.caps,
		Devices:      m.settings.DeviceSerials,
		FixedPrice:   m.settings.FixedPrice,
		Currency:     m.settings.Currency,
	}
}

// GetSchedule returns the stored schedule. A device that never received one
// reports the factory default of its model.
func (m *MockESS) GetSchedule(ctx context.Context) (types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok, err := m.db.GetScheduleSnapshot(ctx, m.siteID)
	if err != nil {
		return types.Schedule{}, err
	}
	if !ok || snap.Model != m.caps.Model {
		return schedule.NewSchedule(m.options()), nil
	}
	return snap.Schedule, nil
}

// SetSchedule validates and stores the schedule.
func (m *MockESS) SetSchedule(ctx context.Context, s types.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validate(s); err != nil {
		return err
	}
	return m.db.SetScheduleSnapshot(ctx, m.siteID, types.ScheduleSnapshot{
		Timestamp: time.Now(),
		Model:     m.caps.Model,
		Schedule:  s,
	})
}

// validate rejects what the cloud would reject: plans of the wrong
// generation, unknown usage modes and loads outside the device limits.
func (m *MockESS) validate(s types.Schedule) error {
	if m.caps.Gen1() {
		if s.ModeType != types.UsageModeUnknown || len(s.CustomRatePlan) > 0 || len(s.UseTime) > 0 {
			return fmt.Errorf("model %s takes daily ranges only", m.caps.Model)
		}
		for _, r := range s.Ranges {
			for _, l := range r.ApplianceLoads {
				if l.Power < m.caps.PresetMin || l.Power > m.caps.PresetMax {
					return fmt.Errorf("appliance load %d outside [%d, %d]", l.Power, m.caps.PresetMin, m.caps.PresetMax)
				}
			}
		}
		return nil
	}
	if len(s.Ranges) > 0 {
		return fmt.Errorf("model %s does not take daily ranges", m.caps.Model)
	}
	if s.ModeType != types.UsageModeUnknown && !m.caps.SupportsMode(s.ModeType) {
		return fmt.Errorf("model %s does not support usage mode %s", m.caps.Model, s.ModeType)
	}
	for _, plan := range [][]types.RatePlanGroup{s.CustomRatePlan, s.BlendPlan} {
		for _, g := range plan {
			for _, r := range g.Ranges {
				if r.Power < m.caps.PresetMin || r.Power > m.caps.PresetMax {
					return fmt.Errorf("power %d outside [%d, %d]", r.Power, m.caps.PresetMin, m.caps.PresetMax)
				}
			}
		}
	}
	return nil
}
