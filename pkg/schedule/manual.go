package schedule

import (
	"github.com/solixplan/solixplan/pkg/types"
)

// DefaultChargePriority is the battery level in percent below which solar is
// used to charge first.
const DefaultChargePriority = 80

// ManualFields are the values of a gen-1 range.
type ManualFields struct {
	Preset            Preset `json:"preset"`
	AllowExport       bool   `json:"allow_export"`
	ChargePriority    int    `json:"charge_priority"`
	DischargePriority bool   `json:"discharge_priority"`
}

func (f ManualFields) Equal(o ManualFields) bool {
	return f == o
}

func presetLimits(s types.Schedule, opt Options) PresetLimits {
	caps := opt.Capabilities
	lim := PresetLimits{
		Dual:      len(opt.Devices) > 1,
		Min:       caps.PresetMin,
		Max:       caps.PresetMax,
		DeviceMin: caps.DeviceMin,
		DeviceMax: caps.DeviceMax,
	}
	if s.MinLoad > 0 {
		lim.Min = s.MinLoad
	}
	if s.MaxLoad > 0 {
		lim.Max = s.MaxLoad
	}
	lim.Advanced = lim.Dual && caps.AdvancedPreset
	return lim
}

func defaultPower(opt Options) int {
	if opt.Capabilities.PresetDefault > 0 {
		return opt.Capabilities.PresetDefault
	}
	return DefaultPreset
}

func manualDefaults(s types.Schedule, opt Options) ManualFields {
	cp := s.DefaultChargePriority
	if cp == 0 {
		cp = opt.Capabilities.ChargePriorityDefault
	}
	if cp == 0 {
		cp = DefaultChargePriority
	}
	return ManualFields{
		Preset:         NormalPreset(defaultPower(opt), presetLimits(s, opt)),
		AllowExport:    true,
		ChargePriority: cp,
	}
}

func manualFieldsOf(r types.ManualRange, devices []string, lim PresetLimits) ManualFields {
	var app int
	for _, l := range r.ApplianceLoads {
		app += l.Power
	}
	f := ManualFields{
		AllowExport:       r.TurnOn,
		ChargePriority:    r.ChargePriority,
		DischargePriority: r.PriorityDischargeSwitch == 1,
	}
	if !lim.Dual {
		f.Preset = Preset{Appliance: app, DeviceA: app, Mode: types.PowerSettingNormal}
		return f
	}
	loads := r.DevicePowerLoads
	if len(loads) < 2 {
		f.Preset = Preset{Appliance: app, DeviceA: app / 2, DeviceB: app - app/2, Mode: types.PowerSettingNormal}
		return f
	}
	share := func(i int) int {
		for _, l := range loads {
			if l.DeviceSN == devices[i] {
				return l.Power
			}
		}
		return loads[i].Power
	}
	f.Preset = Preset{Appliance: app, DeviceA: share(0), DeviceB: share(1), Mode: r.PowerSettingMode}
	if f.Preset.Mode != types.PowerSettingAdvanced {
		f.Preset.Mode = types.PowerSettingNormal
	}
	return f
}

// loadManual reads the gen-1 ranges into a store, repairing them if needed.
func loadManual(s types.Schedule, opt Options) (Store[ManualFields], bool) {
	lim := presetLimits(s, opt)
	spans := make([]Span[ManualFields], 0, len(s.Ranges))
	for _, r := range s.Ranges {
		spans = append(spans, Span[ManualFields]{
			Range:  Range{Start: int(r.StartTime), End: int(r.EndTime)},
			Fields: manualFieldsOf(r, opt.Devices, lim),
		})
	}
	return Repair(DayDomain, spans, manualDefaults(s, opt))
}

func storeManual(s *types.Schedule, st Store[ManualFields], opt Options) {
	tmpl := types.ApplianceLoad{Number: 1}
	for _, r := range s.Ranges {
		if len(r.ApplianceLoads) > 0 {
			tmpl = r.ApplianceLoads[0]
			break
		}
	}
	dual := len(opt.Devices) > 1
	ranges := make([]types.ManualRange, 0, len(st.Spans))
	for i, sp := range st.Spans {
		f := sp.Fields
		load := tmpl
		load.Power = f.Preset.Appliance
		r := types.ManualRange{
			ID:               i,
			StartTime:        types.TimeOfDay(sp.Start),
			EndTime:          types.TimeOfDay(sp.End),
			TurnOn:           f.AllowExport,
			ApplianceLoads:   []types.ApplianceLoad{load},
			ChargePriority:   f.ChargePriority,
			PowerSettingMode: f.Preset.Mode,
		}
		if f.DischargePriority {
			r.PriorityDischargeSwitch = 1
		}
		if dual {
			r.DevicePowerLoads = []types.DevicePowerLoad{
				{DeviceSN: opt.Devices[0], Power: f.Preset.DeviceA},
				{DeviceSN: opt.Devices[1], Power: f.Preset.DeviceB},
			}
		}
		ranges = append(ranges, r)
	}
	s.Ranges = ranges
}

func manualPatch(p FieldPatch, lim PresetLimits, caps types.Capabilities) func(ManualFields) ManualFields {
	return func(base ManualFields) ManualFields {
		out := base
		// the fallback warning is reported once per request by patchWarnings
		out.Preset, _ = ResolvePreset(base.Preset, p.presetRequest(), lim)
		if p.AllowExport != nil {
			out.AllowExport = *p.AllowExport
		}
		if p.ChargePriority != nil {
			out.ChargePriority = *p.ChargePriority
		}
		if p.DischargePriority != nil && caps.PriorityDischarge {
			out.DischargePriority = *p.DischargePriority
		}
		return out
	}
}
