package ess

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/solixplan/solixplan/pkg/storage"
	"github.com/solixplan/solixplan/pkg/types"
)

// ErrUnknownProvider is returned when a site names an ESS provider that does
// not exist.
var ErrUnknownProvider = errors.New("unknown ess provider")

// System is the device side of a site: it reads and writes the schedule held
// by the vendor cloud.
type System interface {
	// ApplySettings updates the system using the provided site settings.
	ApplySettings(ctx context.Context, settings types.Settings) error

	// Authenticate validates the credentials that were applied and returns
	// updated credentials along with a bool indicating if they changed.
	// This should be called AFTER ApplySettings.
	Authenticate(ctx context.Context, creds types.Credentials) (types.Credentials, bool, error)

	// Capabilities of the configured device model.
	Capabilities() types.Capabilities

	// GetSchedule fetches the schedule currently stored by the cloud.
	GetSchedule(ctx context.Context) (types.Schedule, error)

	// SetSchedule submits a complete schedule.
	SetSchedule(ctx context.Context, s types.Schedule) error
}

// Config holds the settings shared by every system of a Map.
type Config struct {
	AnkerBaseURL string
	AnkerTimeout time.Duration
	Profiles     *Profiles
}

type siteSystem struct {
	provider string
	sys      System
}

// Map manages the ESS system of every site.
type Map struct {
	mu      sync.Mutex
	cfg     Config
	db      storage.Database
	systems map[string]siteSystem
}

// NewMap creates a new ESS Map. The built in profiles are used when cfg has
// none.
func NewMap(cfg Config) *Map {
	if cfg.Profiles == nil {
		cfg.Profiles = DefaultProfiles()
	}
	if cfg.AnkerBaseURL == "" {
		cfg.AnkerBaseURL = defaultAnkerBaseURL
	}
	if cfg.AnkerTimeout == 0 {
		cfg.AnkerTimeout = 30 * time.Second
	}
	return &Map{
		cfg:     cfg,
		systems: make(map[string]siteSystem),
	}
}

// SetDatabase sets the database the mock provider keeps its device state in.
func (m *Map) SetDatabase(db storage.Database) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.db = db
}

// Profiles returns the capability profiles of the map.
func (m *Map) Profiles() *Profiles {
	return m.cfg.Profiles
}

func (m *Map) newSystem(provider, siteID string) (System, error) {
	switch provider {
	case "anker":
		return newAnker(m.cfg), nil
	case "mock":
		if m.db == nil {
			return nil, errors.New("mock ess requires a database")
		}
		return newMock(siteID, m.db, m.cfg.Profiles), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
}

// Site returns the system for the given siteID with settings applied.
// A new system is created when the site is new or its provider changed.
func (m *Map) Site(ctx context.Context, siteID string, settings types.Settings) (System, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if siteID == "" {
		siteID = types.SiteIDNone
	}

	if ss, ok := m.systems[siteID]; ok && ss.provider == settings.ESS {
		if err := ss.sys.ApplySettings(ctx, settings); err != nil {
			return nil, err
		}
		return ss.sys, nil
	}

	sys, err := m.newSystem(settings.ESS, siteID)
	if err != nil {
		return nil, err
	}
	if err := sys.ApplySettings(ctx, settings); err != nil {
		return nil, err
	}
	m.systems[siteID] = siteSystem{provider: settings.ESS, sys: sys}
	return sys, nil
}

// SetSystem sets the system for a specific site. This is primarily used for
// testing.
func (m *Map) SetSystem(siteID, provider string, sys System) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systems[siteID] = siteSystem{provider: provider, sys: sys}
}

// ListProviders returns the providers sites can pick from.
func ListProviders(showHidden bool) []types.ESSProviderInfo {
	var out []types.ESSProviderInfo
	for _, info := range []types.ESSProviderInfo{ankerInfo(), mockInfo()} {
		if info.Hidden && !showHidden {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
