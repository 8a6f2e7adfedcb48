package schedule

import (
	"github.com/solixplan/solixplan/pkg/types"
)

// PowerFields are the values of a custom or blend plan range.
type PowerFields struct {
	Power int `json:"power"`
}

func (f PowerFields) Equal(o PowerFields) bool {
	return f == o
}

func powerDefaults(opt Options) PowerFields {
	return PowerFields{Power: defaultPower(opt)}
}

func planGroups(s types.Schedule, plan types.PlanType) []types.RatePlanGroup {
	if plan == types.PlanBlend {
		return s.BlendPlan
	}
	return s.CustomRatePlan
}

func setPlanGroups(s *types.Schedule, plan types.PlanType, groups []types.RatePlanGroup) {
	if plan == types.PlanBlend {
		s.BlendPlan = groups
		return
	}
	s.CustomRatePlan = groups
}

// loadGroups reads a rate plan into weekday groups, repairing stores and the
// weekday partition.
func loadGroups(plan []types.RatePlanGroup, def PowerFields) ([]Group[PowerFields], bool) {
	repaired := false
	groups := make([]Group[PowerFields], 0, len(plan))
	for _, pg := range plan {
		spans := make([]Span[PowerFields], 0, len(pg.Ranges))
		for _, r := range pg.Ranges {
			spans = append(spans, Span[PowerFields]{
				Range:  Range{Start: int(r.StartTime), End: int(r.EndTime)},
				Fields: PowerFields{Power: r.Power},
			})
		}
		st, rep := Repair(DayDomain, spans, def)
		repaired = repaired || rep
		groups = append(groups, Group[PowerFields]{Weekdays: pg.Week, Store: st})
	}
	out, changed := Curate(groups, DayDomain, def)
	return out, repaired || changed
}

func storeGroups(groups []Group[PowerFields]) []types.RatePlanGroup {
	out := make([]types.RatePlanGroup, 0, len(groups))
	for i, g := range groups {
		ranges := make([]types.RateRange, 0, len(g.Store.Spans))
		for _, sp := range g.Store.Spans {
			ranges = append(ranges, types.RateRange{
				StartTime: types.TimeOfDay(sp.Start),
				EndTime:   types.TimeOfDay(sp.End),
				Power:     sp.Fields.Power,
			})
		}
		out = append(out, types.RatePlanGroup{Index: i, Week: g.Weekdays, Ranges: ranges})
	}
	return out
}

// powerPatch takes the power, appliance or device value in that order. The
// plans of later generations only know the system output.
func powerPatch(p FieldPatch) func(PowerFields) PowerFields {
	v := p.power()
	return func(base PowerFields) PowerFields {
		if v == nil {
			return base
		}
		return PowerFields{Power: *v}
	}
}
