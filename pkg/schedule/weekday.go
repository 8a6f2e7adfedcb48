package schedule

import (
	"fmt"
	"time"

	"github.com/solixplan/solixplan/pkg/types"
)

// Group is a set of weekdays sharing one day store.
type Group[F Fields[F]] struct {
	Weekdays types.WeekdaySet
	Store    Store[F]
}

func (g Group[F]) Clone() Group[F] {
	return Group[F]{Weekdays: g.Weekdays, Store: g.Store.Clone()}
}

func cloneGroups[F Fields[F]](groups []Group[F]) []Group[F] {
	out := make([]Group[F], len(groups))
	for i, g := range groups {
		out[i] = g.Clone()
	}
	return out
}

// Curate turns groups into a partition of the week. A weekday claimed twice
// stays with the first group claiming it, weekdays nobody claims get a new
// group with defaults and empty groups are dropped. It reports whether
// anything changed.
func Curate[F Fields[F]](groups []Group[F], domain Range, defaults F) ([]Group[F], bool) {
	changed := false
	var seen types.WeekdaySet
	out := make([]Group[F], 0, len(groups)+1)
	for _, g := range groups {
		days := g.Weekdays.Intersect(types.AllWeekdays).Remove(seen)
		if days != g.Weekdays {
			changed = true
		}
		if days.Empty() {
			continue
		}
		seen = seen.Union(days)
		g.Weekdays = days
		out = append(out, g)
	}
	if missing := types.AllWeekdays.Remove(seen); !missing.Empty() {
		changed = true
		out = append(out, Group[F]{Weekdays: missing, Store: NewStore(domain, cloneFields(defaults))})
	}
	return out, changed
}

// checkPartition verifies that the groups split the week into disjoint,
// non-empty sets.
func checkPartition[F Fields[F]](groups []Group[F]) error {
	var seen types.WeekdaySet
	for i, g := range groups {
		if g.Weekdays.Empty() {
			return invariantViolation("weekday group %d is empty", i)
		}
		if !g.Weekdays.Intersect(seen).Empty() {
			return invariantViolation("weekday group %d repeats %s", i, g.Weekdays.Intersect(seen))
		}
		seen = seen.Union(g.Weekdays)
		if err := g.Store.assert(); err != nil {
			return fmt.Errorf("weekday group %d: %w", i, err)
		}
	}
	if seen != types.AllWeekdays {
		return invariantViolation("weekdays %s have no group", types.AllWeekdays.Remove(seen))
	}
	return nil
}

// GroupFor returns the index of the group holding day, or -1.
func GroupFor[F Fields[F]](groups []Group[F], day time.Weekday) int {
	for i, g := range groups {
		if g.Weekdays.Has(day) {
			return i
		}
	}
	return -1
}

// SelectGroup returns the groups with the group to mutate at the returned
// index. groups must be a partition of the week (see Curate) and are not
// modified.
//
// Without requested weekdays the group holding current is used. Otherwise
// the largest group whose weekdays are all requested takes over the rest of
// the requested days. When there is no such group the group overlapping the
// request the most is cloned and the clone owns the requested days. Ties go
// to the group listed first.
func SelectGroup[F Fields[F]](groups []Group[F], requested types.WeekdaySet, current time.Weekday, domain Range, defaults F) ([]Group[F], int, error) {
	out := cloneGroups(groups)
	if len(out) == 0 {
		out = append(out, Group[F]{Weekdays: types.AllWeekdays, Store: NewStore(domain, cloneFields(defaults))})
	}
	requested = requested.Intersect(types.AllWeekdays)
	if requested.Empty() {
		idx := GroupFor(out, current)
		if idx < 0 {
			return nil, -1, fmt.Errorf("%w: no group holds %s", ErrAmbiguousWeekdays, current)
		}
		return out, idx, nil
	}

	subset, overlap := -1, -1
	for i, g := range out {
		if g.Weekdays.Empty() {
			continue
		}
		if g.Weekdays.SubsetOf(requested) && (subset < 0 || g.Weekdays.Count() > out[subset].Weekdays.Count()) {
			subset = i
		}
		n := g.Weekdays.Intersect(requested).Count()
		if n > 0 && (overlap < 0 || n > out[overlap].Weekdays.Intersect(requested).Count()) {
			overlap = i
		}
	}

	var idx int
	switch {
	case subset >= 0:
		idx = subset
	case overlap >= 0:
		out = append(out, Group[F]{Store: out[overlap].Store.Clone()})
		idx = len(out) - 1
	default:
		return nil, -1, fmt.Errorf("%w: no group overlaps %s", ErrAmbiguousWeekdays, requested)
	}
	for i := range out {
		if i == idx {
			out[i].Weekdays = requested
			continue
		}
		out[i].Weekdays = out[i].Weekdays.Remove(requested)
	}
	out, idx = pruneGroups(out, idx)
	if err := checkPartition(out); err != nil {
		return nil, -1, err
	}
	return out, idx, nil
}

// RemoveWeekdays drops days from every group and hands them to a new group
// with defaults. With no days every group is replaced by one default group.
func RemoveWeekdays[F Fields[F]](groups []Group[F], days types.WeekdaySet, domain Range, defaults F) ([]Group[F], error) {
	days = days.Intersect(types.AllWeekdays)
	if days.Empty() || days == types.AllWeekdays {
		return []Group[F]{{Weekdays: types.AllWeekdays, Store: NewStore(domain, cloneFields(defaults))}}, nil
	}
	out := cloneGroups(groups)
	for i := range out {
		out[i].Weekdays = out[i].Weekdays.Remove(days)
	}
	out = append(out, Group[F]{Weekdays: days, Store: NewStore(domain, cloneFields(defaults))})
	out, _ = pruneGroups(out, -1)
	out, _ = Curate(out, domain, defaults)
	if err := checkPartition(out); err != nil {
		return nil, err
	}
	return out, nil
}

// pruneGroups drops groups without weekdays and keeps idx pointing at the
// same group.
func pruneGroups[F Fields[F]](groups []Group[F], idx int) ([]Group[F], int) {
	out := groups[:0]
	newIdx := -1
	for i, g := range groups {
		if g.Weekdays.Empty() {
			continue
		}
		if i == idx {
			newIdx = len(out)
		}
		out = append(out, g)
	}
	return out, newIdx
}
