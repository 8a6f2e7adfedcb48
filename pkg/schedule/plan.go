package schedule

import (
	"fmt"
	"time"

	"github.com/solixplan/solixplan/pkg/types"
)

// Active is the interval governing output at a point in time.
type Active struct {
	Mode types.UsageMode `json:"mode"`
	Plan types.PlanType  `json:"plan"`
	// Fallback is set when the mode has no plan of its own and the custom
	// plan is used instead.
	Fallback bool             `json:"fallback,omitempty"`
	Weekdays types.WeekdaySet `json:"weekdays"`
	Start    types.TimeOfDay  `json:"start_time"`
	End      types.TimeOfDay  `json:"end_time"`

	Preset            *Preset            `json:"preset,omitempty"`
	AllowExport       *bool              `json:"allow_export,omitempty"`
	ChargePriority    *int               `json:"charge_priority,omitempty"`
	DischargePriority *bool              `json:"discharge_priority,omitempty"`
	Tariff            *ActiveTariff      `json:"tariff,omitempty"`
	Backup            *types.BackupRange `json:"backup,omitempty"`
}

type ActiveTariff struct {
	Type    types.TariffType  `json:"type"`
	Price   string            `json:"price,omitempty"`
	DayType types.DayType     `json:"day_type"`
	Season  types.SeasonRange `json:"season"`
}

func backupActive(s types.Schedule, now time.Time) bool {
	mb := s.ManualBackup
	if mb == nil || !mb.Switch || len(mb.Ranges) == 0 {
		return false
	}
	ts := now.Unix()
	return ts >= mb.Ranges[0].StartTime && ts < mb.Ranges[0].EndTime
}

// ResolvePlan returns the plan governing output under the schedule's usage
// mode. An enabled backup interval containing now overrides every mode.
// Modes without a plan of their own, or whose plan is missing, fall back to
// the custom plan and report so.
func ResolvePlan(s types.Schedule, opt Options) (types.PlanType, bool) {
	if opt.Capabilities.Gen1() {
		return types.PlanCustom, false
	}
	if backupActive(s, opt.now()) {
		return types.PlanBackup, false
	}
	switch s.ModeType {
	case types.UsageModeManual, types.UsageModeUnknown:
		return types.PlanCustom, false
	case types.UsageModeSmartPlugs:
		if len(s.BlendPlan) > 0 {
			return types.PlanBlend, false
		}
	case types.UsageModeUsageTime:
		if len(s.UseTime) > 0 {
			return types.PlanUsageTime, false
		}
	}
	return types.PlanCustom, true
}

// GetActive returns the interval of plan active on the device clock. With an
// empty plan the plan governing the usage mode is used.
func GetActive(s types.Schedule, plan types.PlanType, opt Options) (Active, error) {
	local := opt.Local()
	a := Active{Mode: s.ModeType, Plan: plan}
	if opt.Capabilities.Gen1() {
		a.Mode = types.UsageModeManual
	}
	if plan == "" {
		a.Plan, a.Fallback = ResolvePlan(s, opt)
	}

	switch a.Plan {
	case types.PlanCustom, types.PlanBlend:
		if opt.Capabilities.Gen1() {
			if a.Plan == types.PlanBlend {
				return Active{}, unsupported("plan %s, the device only has the manual plan", a.Plan)
			}
			if len(s.Ranges) == 0 {
				return Active{}, fmt.Errorf("%w: no ranges", ErrNoPlan)
			}
			st, _ := loadManual(s, opt)
			sp := st.Spans[st.At(int(types.TimeOfDayOf(local)))]
			a.Weekdays = types.AllWeekdays
			a.Start, a.End = types.TimeOfDay(sp.Start), types.TimeOfDay(sp.End)
			f := sp.Fields
			a.Preset = &f.Preset
			a.AllowExport = &f.AllowExport
			a.ChargePriority = &f.ChargePriority
			a.DischargePriority = &f.DischargePriority
			return a, nil
		}
		pg := planGroups(s, a.Plan)
		if len(pg) == 0 {
			return Active{}, fmt.Errorf("%w: %s", ErrNoPlan, a.Plan)
		}
		groups, _ := loadGroups(pg, powerDefaults(opt))
		g := groups[GroupFor(groups, local.Weekday())]
		sp := g.Store.Spans[g.Store.At(int(types.TimeOfDayOf(local)))]
		a.Weekdays = g.Weekdays
		a.Start, a.End = types.TimeOfDay(sp.Start), types.TimeOfDay(sp.End)
		p := NormalPreset(sp.Fields.Power, PresetLimits{Dual: len(opt.Devices) > 1})
		a.Preset = &p
		return a, nil

	case types.PlanBackup:
		if s.ManualBackup == nil || len(s.ManualBackup.Ranges) == 0 {
			return Active{}, fmt.Errorf("%w: %s", ErrNoPlan, a.Plan)
		}
		br := s.ManualBackup.Ranges[0]
		a.Backup = &br
		return a, nil

	case types.PlanUsageTime:
		if len(s.UseTime) == 0 {
			return Active{}, fmt.Errorf("%w: %s", ErrNoPlan, a.Plan)
		}
		seasons, _ := loadSeasons(s.UseTime, opt)
		sea := seasons.Spans[seasons.At(int(local.Month()))]
		dt := dayTypeOf(local.Weekday())
		day := sea.Fields.day(dt)
		hi := day.Hours.At(local.Hour())
		hr := day.Hours.Spans[hi]
		a.Weekdays = types.AllWeekdays
		if !sea.Fields.Same {
			a.Weekdays = weekdaysOf(dt)
		}
		a.Start = types.TimeOfDay(hr.Start * 60)
		a.End = hourToTimeOfDay(hr.End)
		a.Tariff = &ActiveTariff{
			Type:    hr.Fields.Type,
			Price:   day.Prices[hr.Fields.Type],
			DayType: dt,
			Season:  types.SeasonRange{StartMonth: sea.Start, EndMonth: sea.End - 1},
		}
		return a, nil
	}
	return Active{}, fmt.Errorf("%w: unknown plan %q", ErrInvalidValue, a.Plan)
}

func hourToTimeOfDay(h int) types.TimeOfDay {
	if h >= 24 {
		return types.EndOfDay
	}
	return types.TimeOfDay(h * 60)
}

// SetUsageMode switches the usage mode. A mode whose plan is missing gets
// one seeded with defaults covering the whole week.
func SetUsageMode(s types.Schedule, mode types.UsageMode, opt Options) (Result, error) {
	caps := opt.Capabilities
	if caps.Gen1() {
		return Result{}, unsupported("usage modes on %s", caps.Model)
	}
	if !caps.SupportsMode(mode) {
		return Result{}, unsupported("usage mode %s on %s", mode, caps.Model)
	}
	out := s.Clone()
	out.ModeType = mode
	switch mode {
	case types.UsageModeManual:
		if len(out.CustomRatePlan) == 0 {
			out.CustomRatePlan = NewSchedule(opt).CustomRatePlan
		}
	case types.UsageModeSmartPlugs:
		if len(out.BlendPlan) == 0 {
			out.BlendPlan = NewSchedule(opt).CustomRatePlan
		}
	case types.UsageModeUsageTime:
		if len(out.UseTime) == 0 {
			out.UseTime = storeSeasons(NewStore(MonthDomain, defaultSeason(types.TariffOffPeak, opt)), opt)
		}
	case types.UsageModeBackup:
		if out.ManualBackup == nil || len(out.ManualBackup.Ranges) == 0 {
			enable := true
			res, err := ModifyBackup(out, BackupRequest{Enable: &enable}, opt)
			if err != nil {
				return Result{}, err
			}
			out = res.Schedule
		}
	}
	return Result{Schedule: out}, nil
}
