package types

import (
	"fmt"
	"slices"
	"strings"
)

// UsageMode is the cloud's mode_type. It selects which plan governs output.
type UsageMode int

const (
	UsageModeUnknown         UsageMode = 0
	UsageModeSelfConsumption UsageMode = 1
	UsageModeSmartPlugs      UsageMode = 2
	UsageModeManual          UsageMode = 3
	UsageModeBackup          UsageMode = 4
	UsageModeUsageTime       UsageMode = 5
	UsageModeSmart           UsageMode = 7
	UsageModeTimeSlot        UsageMode = 8
)

var usageModeNames = map[UsageMode]string{
	UsageModeSelfConsumption: "self_consumption",
	UsageModeSmartPlugs:      "smart_plugs",
	UsageModeManual:          "manual",
	UsageModeBackup:          "backup",
	UsageModeUsageTime:       "usage_time",
	UsageModeSmart:           "smart",
	UsageModeTimeSlot:        "time_slot",
}

func (m UsageMode) String() string {
	if s, ok := usageModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(m))
}

// ParseUsageMode accepts the mode name or its numeric mode_type.
func ParseUsageMode(s string) (UsageMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range usageModeNames {
		if s == name || s == fmt.Sprint(int(m)) {
			return m, nil
		}
	}
	return UsageModeUnknown, fmt.Errorf("unknown usage mode: %q", s)
}

// PlanType names one of the plan variants attached to a schedule.
type PlanType string

const (
	PlanCustom    PlanType = "custom"
	PlanBlend     PlanType = "blend"
	PlanBackup    PlanType = "backup"
	PlanUsageTime PlanType = "usage_time"
)

// ParsePlanType accepts the plan name or the cloud's key for it.
func ParsePlanType(s string) (PlanType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "custom", "custom_rate_plan", "manual":
		return PlanCustom, nil
	case "blend", "blend_plan":
		return PlanBlend, nil
	case "backup", "manual_backup":
		return PlanBackup, nil
	case "usage_time", "use_time":
		return PlanUsageTime, nil
	default:
		return "", fmt.Errorf("unknown plan type: %q", s)
	}
}

// TariffType is the rate category assigned to an hour range of a tariff plan.
type TariffType int

const (
	TariffUnknown TariffType = 0
	TariffPeak    TariffType = 1
	TariffMidPeak TariffType = 2
	TariffOffPeak TariffType = 3
	TariffValley  TariffType = 4
)

var tariffNames = map[TariffType]string{
	TariffPeak:    "peak",
	TariffMidPeak: "mid_peak",
	TariffOffPeak: "off_peak",
	TariffValley:  "valley",
}

func (t TariffType) String() string {
	if s, ok := tariffNames[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Valid reports whether t is one of the four known rate categories.
func (t TariffType) Valid() bool {
	_, ok := tariffNames[t]
	return ok
}

// Rank orders tariffs from the cheapest (valley, 0) to the most expensive
// (peak, 3).
func (t TariffType) Rank() int {
	switch t {
	case TariffValley:
		return 0
	case TariffOffPeak:
		return 1
	case TariffMidPeak:
		return 2
	case TariffPeak:
		return 3
	}
	return -1
}

func ParseTariffType(s string) (TariffType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	for t, name := range tariffNames {
		if s == name || s == fmt.Sprint(int(t)) {
			return t, nil
		}
	}
	return TariffUnknown, fmt.Errorf("unknown tariff type: %q", s)
}

// DayType selects the weekday or weekend part of a tariff season.
type DayType string

const (
	DayTypeWeekday DayType = "weekday"
	DayTypeWeekend DayType = "weekend"
)

func ParseDayType(s string) (DayType, error) {
	switch DayType(strings.ToLower(strings.TrimSpace(s))) {
	case DayTypeWeekday:
		return DayTypeWeekday, nil
	case DayTypeWeekend:
		return DayTypeWeekend, nil
	}
	return "", fmt.Errorf("unknown day type: %q", s)
}

// PowerSettingMode is the gen-1 preset mode of a range.
type PowerSettingMode int

const (
	PowerSettingUnset    PowerSettingMode = 0
	PowerSettingNormal   PowerSettingMode = 1
	PowerSettingAdvanced PowerSettingMode = 2
)

// Schedule is the device schedule exactly as the cloud exchanges it. Gen-1
// devices only use Ranges and the load limits, later generations use the
// plan lists keyed by ModeType.
type Schedule struct {
	Ranges                []ManualRange `json:"ranges,omitempty"`
	MinLoad               int           `json:"min_load,omitempty"`
	MaxLoad               int           `json:"max_load,omitempty"`
	Step                  int           `json:"step,omitempty"`
	DefaultChargePriority int           `json:"default_charge_priority,omitempty"`
	DefaultHomeLoad       int           `json:"default_home_load,omitempty"`
	DisplayAdvancedMode   int           `json:"display_advanced_mode,omitempty"`
	AdvancedModeMinLoad   int           `json:"advanced_mode_min_load,omitempty"`

	ModeType       UsageMode       `json:"mode_type,omitempty"`
	CustomRatePlan []RatePlanGroup `json:"custom_rate_plan,omitempty"`
	BlendPlan      []RatePlanGroup `json:"blend_plan,omitempty"`
	UseTime        []Season        `json:"use_time,omitempty"`
	ManualBackup   *ManualBackup   `json:"manual_backup,omitempty"`
}

// ManualRange is one interval of a gen-1 schedule.
type ManualRange struct {
	ID                      int               `json:"id"`
	StartTime               TimeOfDay         `json:"start_time"`
	EndTime                 TimeOfDay         `json:"end_time"`
	TurnOn                  bool              `json:"turn_on"`
	ApplianceLoads          []ApplianceLoad   `json:"appliance_loads"`
	ChargePriority          int               `json:"charge_priority"`
	PowerSettingMode        PowerSettingMode  `json:"power_setting_mode,omitempty"`
	DevicePowerLoads        []DevicePowerLoad `json:"device_power_loads,omitempty"`
	PriorityDischargeSwitch int               `json:"priority_discharge_switch,omitempty"`
}

type ApplianceLoad struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Power  int    `json:"power"`
	Number int    `json:"number"`
}

type DevicePowerLoad struct {
	DeviceSN string `json:"device_sn"`
	Power    int    `json:"power"`
}

// RatePlanGroup is a weekday group of the custom or blend plan.
type RatePlanGroup struct {
	Index  int         `json:"index"`
	Week   WeekdaySet  `json:"week"`
	Ranges []RateRange `json:"ranges"`
}

type RateRange struct {
	StartTime TimeOfDay `json:"start_time"`
	EndTime   TimeOfDay `json:"end_time"`
	Power     int       `json:"power"`
}

// Season is one month range of the usage time plan.
type Season struct {
	Sea          SeasonRange   `json:"sea"`
	Weekday      []TariffRange `json:"weekday"`
	Weekend      []TariffRange `json:"weekend"`
	WeekdayPrice []TariffPrice `json:"weekday_price"`
	WeekendPrice []TariffPrice `json:"weekend_price"`
	Unit         string        `json:"unit"`
	IsSame       bool          `json:"is_same"`
}

// SeasonRange covers the months StartMonth through EndMonth inclusive.
type SeasonRange struct {
	StartMonth int `json:"start_month"`
	EndMonth   int `json:"end_month"`
}

// TariffRange covers the hours [StartTime, EndTime) where EndTime may be 24.
type TariffRange struct {
	StartTime int        `json:"start_time"`
	EndTime   int        `json:"end_time"`
	Type      TariffType `json:"type"`
}

// TariffPrice is the price of a tariff type. The cloud sends it as a string.
type TariffPrice struct {
	Price string     `json:"price"`
	Type  TariffType `json:"type"`
}

type ManualBackup struct {
	Ranges []BackupRange `json:"ranges"`
	Switch bool          `json:"switch"`
}

// BackupRange is in unix seconds.
type BackupRange struct {
	StartTime int64 `json:"start_time"`
	EndTime   int64 `json:"end_time"`
}

// Clone returns a deep copy of the schedule.
func (s Schedule) Clone() Schedule {
	out := s
	out.Ranges = nil
	for _, r := range s.Ranges {
		out.Ranges = append(out.Ranges, r.Clone())
	}
	out.CustomRatePlan = cloneGroups(s.CustomRatePlan)
	out.BlendPlan = cloneGroups(s.BlendPlan)
	out.UseTime = nil
	for _, sea := range s.UseTime {
		out.UseTime = append(out.UseTime, sea.Clone())
	}
	if s.ManualBackup != nil {
		mb := *s.ManualBackup
		mb.Ranges = slices.Clone(mb.Ranges)
		out.ManualBackup = &mb
	}
	return out
}

func (r ManualRange) Clone() ManualRange {
	r.ApplianceLoads = slices.Clone(r.ApplianceLoads)
	r.DevicePowerLoads = slices.Clone(r.DevicePowerLoads)
	return r
}

func (s Season) Clone() Season {
	s.Weekday = slices.Clone(s.Weekday)
	s.Weekend = slices.Clone(s.Weekend)
	s.WeekdayPrice = slices.Clone(s.WeekdayPrice)
	s.WeekendPrice = slices.Clone(s.WeekendPrice)
	return s
}

func cloneGroups(groups []RatePlanGroup) []RatePlanGroup {
	if groups == nil {
		return nil
	}
	out := make([]RatePlanGroup, len(groups))
	for i, g := range groups {
		g.Ranges = slices.Clone(g.Ranges)
		out[i] = g
	}
	return out
}
