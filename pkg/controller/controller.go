// Package controller serializes schedule changes per site. Every change is a
// read-modify-write of the whole schedule: the cached copy is changed by the
// engine, submitted to the cloud, read back and recorded in the history.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solixplan/solixplan/pkg/ess"
	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/schedule"
	"github.com/solixplan/solixplan/pkg/storage"
	"github.com/solixplan/solixplan/pkg/types"
)

// ErrPaused is returned for mutations of a paused site.
var ErrPaused = errors.New("site is paused")

// SystemFunc resolves the system of a site along with the settings that were
// applied to it.
type SystemFunc func(ctx context.Context, siteID string) (ess.System, types.Settings, error)

// Snapshot is the cached schedule of a site.
type Snapshot struct {
	Schedule types.Schedule
	// Version increases whenever the cached schedule changes, either by a
	// mutation or because the cloud copy changed underneath us.
	Version uint64
	Options schedule.Options
	Fetched time.Time
}

// Mutation is a single engine operation applied to a site.
type Mutation struct {
	Operation string
	// Request is stored with the change record.
	Request any
	// Version is the schedule version the caller based the mutation on. Zero
	// skips the check.
	Version uint64
	Apply   func(types.Schedule, schedule.Options) (schedule.Result, error)
}

// Outcome is the result of a committed mutation.
type Outcome struct {
	Snapshot
	ChangeID string
	Warnings []string
	// Submitted is false for dry runs.
	Submitted bool
}

type siteState struct {
	mu       sync.Mutex
	loaded   bool
	schedule types.Schedule
	version  uint64
	fetched  time.Time
}

// Controller owns the cached schedule of every site.
type Controller struct {
	system SystemFunc
	db     storage.Database
	now    func() time.Time

	mu    sync.Mutex
	sites map[string]*siteState
}

// New creates a Controller.
func New(system SystemFunc, db storage.Database) *Controller {
	return &Controller{
		system: system,
		db:     db,
		now:    time.Now,
		sites:  make(map[string]*siteState),
	}
}

func (c *Controller) site(siteID string) *siteState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sites[siteID]
	if !ok {
		st = &siteState{}
		c.sites[siteID] = st
	}
	return st
}

func (c *Controller) siteIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sites))
	for id := range c.sites {
		ids = append(ids, id)
	}
	return ids
}

// Forget drops the cached schedule of a site. The next read fetches it from
// the cloud again and the version continues from the change history.
func (c *Controller) Forget(siteID string) {
	st := c.site(siteID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.loaded = false
	st.schedule = types.Schedule{}
}

// Options returns the engine options of a site.
func Options(settings types.Settings, caps types.Capabilities, now time.Time) (schedule.Options, error) {
	loc := time.UTC
	if settings.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(settings.Timezone)
		if err != nil {
			return schedule.Options{}, fmt.Errorf("invalid timezone %q: %w", settings.Timezone, err)
		}
	}
	return schedule.Options{
		Now:          now,
		Location:     loc,
		Offset:       time.Duration(settings.TimeOffsetMinutes) * time.Minute,
		Capabilities: caps,
		Devices:      settings.DeviceSerials,
		FixedPrice:   settings.FixedPrice,
		Currency:     settings.Currency,
	}, nil
}

func siteContext(ctx context.Context, siteID string, settings types.Settings) context.Context {
	var sn string
	if len(settings.DeviceSerials) > 0 {
		sn = settings.DeviceSerials[0]
	}
	return log.WithSite(ctx, siteID, sn)
}

// refreshLocked reads the schedule from the cloud. st.mu must be held.
func (c *Controller) refreshLocked(ctx context.Context, siteID string, st *siteState, sys ess.System, opt schedule.Options) error {
	s, err := sys.GetSchedule(ctx)
	if err != nil {
		return fmt.Errorf("failed to get schedule: %w", err)
	}
	s, repaired := schedule.Normalize(s, opt)
	if len(repaired) > 0 {
		log.Ctx(ctx).WarnContext(ctx, "repaired schedule read from cloud", slog.Any("plans", repaired))
	}

	switch {
	case !st.loaded:
		st.version = 1
		latest, err := c.db.GetLatestChange(ctx, siteID)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to get latest change", slog.Any("error", err))
		} else if latest != nil && latest.Version > 0 {
			st.version = latest.Version
		}
	case !reflect.DeepEqual(st.schedule, s):
		st.version++
		log.Ctx(ctx).InfoContext(ctx, "schedule changed outside of the controller", slog.Uint64("version", st.version))
	}
	st.loaded = true
	st.schedule = s
	st.fetched = c.now()
	return nil
}

func (c *Controller) snapshot(st *siteState, opt schedule.Options) Snapshot {
	return Snapshot{
		Schedule: st.schedule.Clone(),
		Version:  st.version,
		Options:  opt,
		Fetched:  st.fetched,
	}
}

func (c *Controller) prepare(ctx context.Context, siteID string) (context.Context, ess.System, types.Settings, schedule.Options, error) {
	sys, settings, err := c.system(ctx, siteID)
	if err != nil {
		return ctx, nil, types.Settings{}, schedule.Options{}, err
	}
	ctx = siteContext(ctx, siteID, settings)
	opt, err := Options(settings, sys.Capabilities(), c.now())
	if err != nil {
		return ctx, nil, types.Settings{}, schedule.Options{}, err
	}
	return ctx, sys, settings, opt, nil
}

// Schedule returns the cached schedule of a site, reading it from the cloud
// the first time.
func (c *Controller) Schedule(ctx context.Context, siteID string) (Snapshot, error) {
	ctx, sys, _, opt, err := c.prepare(ctx, siteID)
	if err != nil {
		return Snapshot{}, err
	}
	st := c.site(siteID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.loaded {
		if err := c.refreshLocked(ctx, siteID, st, sys, opt); err != nil {
			return Snapshot{}, err
		}
	}
	return c.snapshot(st, opt), nil
}

// Refresh reads the schedule of a site from the cloud.
func (c *Controller) Refresh(ctx context.Context, siteID string) (Snapshot, error) {
	ctx, sys, _, opt, err := c.prepare(ctx, siteID)
	if err != nil {
		return Snapshot{}, err
	}
	st := c.site(siteID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := c.refreshLocked(ctx, siteID, st, sys, opt); err != nil {
		return Snapshot{}, err
	}
	return c.snapshot(st, opt), nil
}

// Mutate applies m to the schedule of a site and submits the result. The
// site stays locked until the change is committed so mutations never
// interleave.
func (c *Controller) Mutate(ctx context.Context, siteID string, m Mutation) (Outcome, error) {
	ctx, sys, settings, opt, err := c.prepare(ctx, siteID)
	if err != nil {
		return Outcome{}, err
	}
	if settings.Pause {
		return Outcome{}, ErrPaused
	}
	st := c.site(siteID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		if err := c.refreshLocked(ctx, siteID, st, sys, opt); err != nil {
			return Outcome{}, err
		}
	}
	if m.Version != 0 && m.Version != st.version {
		return Outcome{}, fmt.Errorf("%w: based on version %d, current is %d", schedule.ErrStaleSchedule, m.Version, st.version)
	}

	res, err := m.Apply(st.schedule, opt)
	if err != nil {
		if errors.Is(err, schedule.ErrInvariantViolation) {
			log.Ctx(ctx).ErrorContext(ctx, "schedule invariant violated", slog.String("operation", m.Operation), slog.Any("error", err))
		}
		return Outcome{}, err
	}

	change := types.Change{
		ID:        uuid.NewString(),
		Timestamp: c.now().UTC(),
		Operation: m.Operation,
		Warnings:  res.WarningStrings(),
		DryRun:    settings.DryRun,
	}
	if m.Request != nil {
		change.Request, err = json.Marshal(m.Request)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	out := Outcome{
		ChangeID: change.ID,
		Warnings: change.Warnings,
	}
	if settings.DryRun {
		log.Ctx(ctx).InfoContext(ctx, "dry run, not submitting schedule", slog.String("operation", m.Operation))
		change.Version = st.version
		c.record(ctx, siteID, change)
		out.Snapshot = Snapshot{Schedule: res.Schedule, Version: st.version, Options: opt, Fetched: st.fetched}
		return out, nil
	}

	if err := sys.SetSchedule(ctx, res.Schedule); err != nil {
		change.Version = st.version
		change.Error = err.Error()
		c.record(ctx, siteID, change)
		return Outcome{}, fmt.Errorf("failed to submit schedule: %w", err)
	}
	out.Submitted = true

	// the cloud may adjust what it was sent so the cache holds its copy
	fresh, err := sys.GetSchedule(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read back schedule", slog.Any("error", err))
		fresh = res.Schedule
	}
	fresh, repaired := schedule.Normalize(fresh, opt)
	if len(repaired) > 0 {
		log.Ctx(ctx).WarnContext(ctx, "cloud returned a schedule that needed repairs", slog.Any("plans", repaired))
	}
	st.schedule = fresh
	st.version++
	st.fetched = c.now()

	change.Version = st.version
	c.record(ctx, siteID, change)

	log.Ctx(ctx).InfoContext(
		ctx,
		"schedule changed",
		slog.String("operation", m.Operation),
		slog.Uint64("version", st.version),
		slog.Int("warnings", len(change.Warnings)),
	)
	out.Snapshot = c.snapshot(st, opt)
	return out, nil
}

func (c *Controller) record(ctx context.Context, siteID string, change types.Change) {
	if err := c.db.InsertChange(ctx, siteID, change); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record change", slog.String("changeID", change.ID), slog.Any("error", err))
	}
}

// RefreshAll refreshes every known site: the sites in storage plus the
// sites that were used since startup. Paused sites are skipped.
func (c *Controller) RefreshAll(ctx context.Context) {
	seen := make(map[string]bool)
	for _, id := range c.siteIDs() {
		seen[id] = true
	}
	sites, err := c.db.ListSites(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to list sites", slog.Any("error", err))
	}
	for _, site := range sites {
		seen[site.ID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		sctx, sys, settings, opt, err := c.prepare(ctx, id)
		if err != nil {
			log.Ctx(sctx).WarnContext(sctx, "failed to resolve site system", slog.String("siteID", id), slog.Any("error", err))
			continue
		}
		if settings.Pause {
			log.Ctx(sctx).DebugContext(sctx, "site paused, skipping refresh")
			continue
		}
		st := c.site(id)
		st.mu.Lock()
		err = c.refreshLocked(sctx, id, st, sys, opt)
		st.mu.Unlock()
		if err != nil {
			log.Ctx(sctx).WarnContext(sctx, "failed to refresh schedule", slog.Any("error", err))
		}
	}
}

// Run refreshes every site each interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RefreshAll(ctx)
		}
	}
}
