// Package schedule implements the schedule engine: the interval algebra
// behind the custom, blend, backup and usage time plans of a solarbank
// schedule. Every operation takes a schedule value and returns a new one,
// the input is never modified.
package schedule

import (
	"fmt"
	"time"

	"github.com/solixplan/solixplan/pkg/types"
)

// Options describe the device the schedule belongs to.
type Options struct {
	// Now is the current time, time.Now when zero.
	Now time.Time
	// Location is the device timezone, UTC when nil.
	Location *time.Location
	// Offset is added to the local time for devices whose clock is off.
	Offset time.Duration

	Capabilities types.Capabilities
	// Devices are the serials of the units of the system, A first.
	Devices []string

	// FixedPrice seeds tariff prices that were never set.
	FixedPrice float64
	Currency   string
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// Local returns the current time on the device clock.
func (o Options) Local() time.Time {
	loc := o.Location
	if loc == nil {
		loc = time.UTC
	}
	return o.now().In(loc).Add(o.Offset)
}

// FieldPatch holds the values to write. Nil values are filled from the
// neighboring range or from defaults.
type FieldPatch struct {
	Appliance         *int       `json:"appliance_load,omitempty"`
	Device            *int       `json:"device_load,omitempty"`
	Role              DeviceRole `json:"device_role,omitempty"`
	Power             *int       `json:"power,omitempty"`
	AllowExport       *bool      `json:"allow_export,omitempty"`
	ChargePriority    *int       `json:"charge_priority,omitempty"`
	DischargePriority *bool      `json:"discharge_priority,omitempty"`
}

func (p FieldPatch) presetRequest() PresetRequest {
	req := PresetRequest{Appliance: p.Appliance, Device: p.Device, Role: p.Role}
	if req.Appliance == nil {
		req.Appliance = p.Power
	}
	return req
}

func (p FieldPatch) power() *int {
	switch {
	case p.Power != nil:
		return p.Power
	case p.Appliance != nil:
		return p.Appliance
	default:
		return p.Device
	}
}

// Request is a set, update or clear of a daily plan.
type Request struct {
	// Plan is the plan to change, the one governing the usage mode when
	// empty.
	Plan types.PlanType `json:"plan,omitempty"`
	// Weekdays selects the weekday group, the current weekday when empty.
	Weekdays types.WeekdaySet `json:"weekdays,omitempty"`
	// Start and End bound the range. A missing bound is taken from the
	// range containing the other one, or from the active range.
	Start  *types.TimeOfDay `json:"start_time,omitempty"`
	End    *types.TimeOfDay `json:"end_time,omitempty"`
	Fields FieldPatch       `json:"fields"`
}

// Result is a new schedule plus the fallbacks that were applied to produce
// it. Warnings wrap ErrUnsupportedField.
type Result struct {
	Schedule types.Schedule
	Warnings []error
}

func (r Result) WarningStrings() []string {
	if len(r.Warnings) == 0 {
		return nil
	}
	out := make([]string, len(r.Warnings))
	for i, w := range r.Warnings {
		out[i] = w.Error()
	}
	return out
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedField, fmt.Sprintf(format, args...))
}

// NewSchedule returns a schedule holding a single default range for the
// device generation.
func NewSchedule(opt Options) types.Schedule {
	var s types.Schedule
	if opt.Capabilities.Gen1() {
		storeManual(&s, NewStore(DayDomain, manualDefaults(s, opt)), opt)
		return s
	}
	s.ModeType = types.UsageModeManual
	s.CustomRatePlan = storeGroups([]Group[PowerFields]{{
		Weekdays: types.AllWeekdays,
		Store:    NewStore(DayDomain, powerDefaults(opt)),
	}})
	return s
}

func validatePatch(p FieldPatch, s types.Schedule, opt Options) error {
	lim := presetLimits(s, opt)
	if v := p.power(); v != nil && p.Device != v {
		if *v < 0 || *v < lim.Min || (lim.Max > 0 && *v > lim.Max) {
			return fmt.Errorf("%w: load %d outside of [%d, %d]", ErrInvalidValue, *v, lim.Min, lim.Max)
		}
	}
	if p.Device != nil {
		// a single unit has no device share, the device value is the
		// appliance value
		name, lo, hi := "device load", lim.DeviceMin, lim.DeviceMax
		if !lim.Dual {
			name, lo, hi = "load", lim.Min, lim.Max
		}
		if *p.Device < 0 || *p.Device < lo || (hi > 0 && *p.Device > hi) {
			return fmt.Errorf("%w: %s %d outside of [%d, %d]", ErrInvalidValue, name, *p.Device, lo, hi)
		}
	}
	if p.Role != DeviceA && p.Role != DeviceB {
		return fmt.Errorf("%w: device role %d", ErrInvalidValue, p.Role)
	}
	if p.ChargePriority != nil && (*p.ChargePriority < 0 || *p.ChargePriority > 100) {
		return fmt.Errorf("%w: charge priority %d", ErrInvalidValue, *p.ChargePriority)
	}
	return nil
}

// patchWarnings lists the fields of p the device cannot take. They are
// dropped or degraded instead of failing the request.
func patchWarnings(p FieldPatch, s types.Schedule, opt Options) []error {
	var out []error
	caps := opt.Capabilities
	if caps.Gen1() {
		lim := presetLimits(s, opt)
		base := NormalPreset(defaultPower(opt), lim)
		if _, err := ResolvePreset(base, p.presetRequest(), lim); err != nil {
			out = append(out, err)
		}
		if p.DischargePriority != nil && !caps.PriorityDischarge {
			out = append(out, unsupported("discharge priority"))
		}
		return out
	}
	if p.AllowExport != nil {
		out = append(out, unsupported("allow export"))
	}
	if p.ChargePriority != nil {
		out = append(out, unsupported("charge priority"))
	}
	if p.DischargePriority != nil {
		out = append(out, unsupported("discharge priority"))
	}
	return out
}

// resolveRange completes a partial range from st. A lone start runs to the
// end of the range containing it, a lone end starts with the range
// containing it and no bounds select the range active at local.
func resolveRange[F Fields[F]](st Store[F], start, end *types.TimeOfDay, local time.Time) (Range, error) {
	switch {
	case start != nil && end != nil:
		return Range{Start: int(*start), End: int(*end)}, nil
	case start != nil:
		i := st.At(int(*start))
		if i < 0 {
			return Range{}, fmt.Errorf("%w: start %s", ErrInvalidRange, start)
		}
		return Range{Start: int(*start), End: st.Spans[i].End}, nil
	case end != nil:
		i := st.At(int(*end) - 1)
		if i < 0 {
			return Range{}, fmt.Errorf("%w: end %s", ErrInvalidRange, end)
		}
		return Range{Start: st.Spans[i].Start, End: int(*end)}, nil
	default:
		i := st.At(int(types.TimeOfDayOf(local)))
		if i < 0 {
			return Range{}, invariantViolation("no range at %s", types.TimeOfDayOf(local))
		}
		return st.Spans[i].Range, nil
	}
}

func fullRange(start, end *types.TimeOfDay) Range {
	r := DayDomain
	if start != nil {
		r.Start = int(*start)
	}
	if end != nil {
		r.End = int(*end)
	}
	return r
}

// mutationPlan returns the daily plan a request changes.
func mutationPlan(s types.Schedule, requested types.PlanType) (types.PlanType, error) {
	switch requested {
	case types.PlanCustom, types.PlanBlend:
		return requested, nil
	case "":
		if s.ModeType == types.UsageModeSmartPlugs && len(s.BlendPlan) > 0 {
			return types.PlanBlend, nil
		}
		return types.PlanCustom, nil
	case types.PlanBackup, types.PlanUsageTime:
		return "", unsupported("plan %s has no daily ranges", requested)
	default:
		return "", fmt.Errorf("%w: unknown plan %q", ErrInvalidValue, requested)
	}
}

type dayOp int

const (
	opSet dayOp = iota
	opUpdate
	opClear
)

// Set replaces the day of the selected weekday group (or the gen-1 day) with
// a single range holding the request fields over the request range. The rest
// of the day gets defaults.
func Set(s types.Schedule, req Request, opt Options) (Result, error) {
	return mutateDay(s, req, opt, opSet)
}

// Update writes the request range of the selected weekday group, splitting
// and merging ranges as needed. Unspecified fields come from the range
// sharing a boundary with the request, or from defaults.
func Update(s types.Schedule, req Request, opt Options) (Result, error) {
	return mutateDay(s, req, opt, opUpdate)
}

// Clear removes the request range from the selected weekday group and closes
// the gap with the neighboring range. Without a range the requested weekdays
// (all when empty) are reset to defaults.
func Clear(s types.Schedule, req Request, opt Options) (Result, error) {
	return mutateDay(s, req, opt, opClear)
}

func applyDay[F Fields[F]](st Store[F], req Request, local time.Time, patch func(F) F, def F, op dayOp) (Store[F], error) {
	switch op {
	case opSet:
		return st.Set(fullRange(req.Start, req.End), patch, def)
	case opUpdate:
		r, err := resolveRange(st, req.Start, req.End, local)
		if err != nil {
			return st, err
		}
		return st.Update(r, patch, def)
	default:
		if req.Start == nil && req.End == nil {
			return NewStore(st.Domain, def), nil
		}
		r, err := resolveRange(st, req.Start, req.End, local)
		if err != nil {
			return st, err
		}
		return st.Clear(r, def)
	}
}

func mutateDay(s types.Schedule, req Request, opt Options, op dayOp) (Result, error) {
	if op != opClear {
		if err := validatePatch(req.Fields, s, opt); err != nil {
			return Result{}, err
		}
	}
	out := s.Clone()
	local := opt.Local()
	var warnings []error
	if op != opClear {
		warnings = patchWarnings(req.Fields, s, opt)
	}

	if opt.Capabilities.Gen1() {
		if !req.Weekdays.Empty() && req.Weekdays != types.AllWeekdays {
			warnings = append(warnings, unsupported("weekdays %s, the device has a single daily plan", req.Weekdays))
		}
		if req.Plan != "" && req.Plan != types.PlanCustom {
			warnings = append(warnings, unsupported("plan %s, the device only has the manual plan", req.Plan))
		}
		st, _ := loadManual(out, opt)
		patch := manualPatch(req.Fields, presetLimits(out, opt), opt.Capabilities)
		st, err := applyDay(st, req, local, patch, manualDefaults(out, opt), op)
		if err != nil {
			return Result{}, err
		}
		storeManual(&out, st, opt)
		return Result{Schedule: out, Warnings: warnings}, nil
	}

	plan, err := mutationPlan(out, req.Plan)
	if err != nil {
		return Result{}, err
	}
	def := powerDefaults(opt)
	groups, _ := loadGroups(planGroups(out, plan), def)

	if op == opClear && req.Start == nil && req.End == nil {
		groups, err = RemoveWeekdays(groups, req.Weekdays, DayDomain, def)
		if err != nil {
			return Result{}, err
		}
		setPlanGroups(&out, plan, storeGroups(groups))
		return Result{Schedule: out, Warnings: warnings}, nil
	}

	groups, idx, err := SelectGroup(groups, req.Weekdays, local.Weekday(), DayDomain, def)
	if err != nil {
		return Result{}, err
	}
	st, err := applyDay(groups[idx].Store, req, local, powerPatch(req.Fields), def, op)
	if err != nil {
		return Result{}, err
	}
	groups[idx].Store = st
	groups, _ = Curate(groups, DayDomain, def)
	if err := checkPartition(groups); err != nil {
		return Result{}, err
	}
	setPlanGroups(&out, plan, storeGroups(groups))
	return Result{Schedule: out, Warnings: warnings}, nil
}

// Normalize repairs a schedule read from the cloud: ranges are sorted,
// overlaps trimmed, gaps closed, equal neighbors merged and the weekday
// groups turned into a partition of the week. It returns the names of the
// plans that needed repairs.
func Normalize(s types.Schedule, opt Options) (types.Schedule, []string) {
	out := s.Clone()
	var repaired []string
	if opt.Capabilities.Gen1() {
		st, rep := loadManual(out, opt)
		if rep {
			repaired = append(repaired, string(types.PlanCustom))
			storeManual(&out, st, opt)
		}
		return out, repaired
	}
	def := powerDefaults(opt)
	for _, plan := range []types.PlanType{types.PlanCustom, types.PlanBlend} {
		pg := planGroups(out, plan)
		if len(pg) == 0 {
			continue
		}
		groups, rep := loadGroups(pg, def)
		if rep {
			repaired = append(repaired, string(plan))
			setPlanGroups(&out, plan, storeGroups(groups))
		}
	}
	if len(out.UseTime) > 0 {
		seasons, rep := loadSeasons(out.UseTime, opt)
		if rep {
			repaired = append(repaired, string(types.PlanUsageTime))
			out.UseTime = storeSeasons(seasons, opt)
		}
	}
	if mb := out.ManualBackup; mb != nil && len(mb.Ranges) > 1 {
		mb.Ranges = mb.Ranges[:1]
		repaired = append(repaired, string(types.PlanBackup))
	}
	return out, repaired
}
