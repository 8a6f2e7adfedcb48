package schedule

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solixplan/solixplan/pkg/types"
)

func days(d ...time.Weekday) types.WeekdaySet {
	return types.NewWeekdaySet(d...)
}

func group(w types.WeekdaySet, v int) Group[testFields] {
	return Group[testFields]{Weekdays: w, Store: NewStore(DayDomain, testFields{V: v})}
}

func weekdaysOfGroups(groups []Group[testFields]) []types.WeekdaySet {
	out := make([]types.WeekdaySet, len(groups))
	for i, g := range groups {
		out[i] = g.Weekdays
	}
	return out
}

var (
	workdays = days(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
	weekend  = days(time.Saturday, time.Sunday)
)

func TestSelectGroup(t *testing.T) {
	def := testFields{V: 0}

	t.Run("no groups creates one for the week", func(t *testing.T) {
		groups, idx, err := SelectGroup[testFields](nil, 0, time.Monday, DayDomain, def)
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, 0, idx)
		assert.Equal(t, types.AllWeekdays, groups[0].Weekdays)
	})

	t.Run("no weekdays uses the current day", func(t *testing.T) {
		in := []Group[testFields]{group(workdays, 1), group(weekend, 2)}
		groups, idx, err := SelectGroup(in, 0, time.Sunday, DayDomain, def)
		require.NoError(t, err)
		assert.Equal(t, 1, idx)
		assert.Equal(t, []types.WeekdaySet{workdays, weekend}, weekdaysOfGroups(groups))
	})

	t.Run("subset group takes the extra days", func(t *testing.T) {
		in := []Group[testFields]{group(workdays, 1), group(weekend, 2)}
		req := weekend.Union(days(time.Monday))
		groups, idx, err := SelectGroup(in, req, time.Sunday, DayDomain, def)
		require.NoError(t, err)
		assert.Equal(t, 1, idx)
		assert.Equal(t, []types.WeekdaySet{workdays.Remove(days(time.Monday)), req}, weekdaysOfGroups(groups))
		assert.Equal(t, 2, groups[idx].Store.Spans[0].Fields.V)
		// input untouched
		assert.Equal(t, workdays, in[0].Weekdays)
	})

	t.Run("largest subset wins", func(t *testing.T) {
		in := []Group[testFields]{group(days(time.Monday), 1), group(days(time.Tuesday, time.Wednesday), 2), group(types.AllWeekdays.Remove(days(time.Monday, time.Tuesday, time.Wednesday)), 3)}
		groups, idx, err := SelectGroup(in, days(time.Monday, time.Tuesday, time.Wednesday), time.Monday, DayDomain, def)
		require.NoError(t, err)
		require.Len(t, groups, 2)
		assert.Equal(t, 0, idx)
		assert.Equal(t, 2, groups[idx].Store.Spans[0].Fields.V)
		assert.Equal(t, days(time.Monday, time.Tuesday, time.Wednesday), groups[idx].Weekdays)
	})

	t.Run("clones the most overlapping group", func(t *testing.T) {
		in := []Group[testFields]{group(workdays, 1), group(weekend, 2)}
		req := days(time.Monday, time.Tuesday)
		groups, idx, err := SelectGroup(in, req, time.Sunday, DayDomain, def)
		require.NoError(t, err)
		require.Len(t, groups, 3)
		assert.Equal(t, 2, idx)
		assert.Equal(t, []types.WeekdaySet{workdays.Remove(req), weekend, req}, weekdaysOfGroups(groups))
		assert.Equal(t, 1, groups[idx].Store.Spans[0].Fields.V)
	})

	t.Run("tie goes to the first group", func(t *testing.T) {
		in := []Group[testFields]{
			group(days(time.Monday, time.Tuesday, time.Wednesday), 1),
			group(days(time.Thursday, time.Friday, time.Saturday), 2),
			group(days(time.Sunday), 3),
		}
		groups, idx, err := SelectGroup(in, days(time.Wednesday, time.Thursday), time.Sunday, DayDomain, def)
		require.NoError(t, err)
		assert.Equal(t, 1, groups[idx].Store.Spans[0].Fields.V)
		assert.Equal(t, days(time.Wednesday, time.Thursday), groups[idx].Weekdays)
	})

	t.Run("clone does not share spans", func(t *testing.T) {
		in := []Group[testFields]{group(types.AllWeekdays, 1)}
		groups, idx, err := SelectGroup(in, days(time.Friday), time.Friday, DayDomain, def)
		require.NoError(t, err)
		groups[idx].Store.Spans[0].Fields.V = 99
		assert.Equal(t, 1, groups[0].Store.Spans[0].Fields.V)
	})

	t.Run("whole week request keeps one group", func(t *testing.T) {
		in := []Group[testFields]{group(workdays, 1), group(weekend, 2)}
		groups, idx, err := SelectGroup(in, types.AllWeekdays, time.Sunday, DayDomain, def)
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, types.AllWeekdays, groups[idx].Weekdays)
		assert.Equal(t, 1, groups[idx].Store.Spans[0].Fields.V)
	})
}

func TestCurate(t *testing.T) {
	in := []Group[testFields]{
		group(days(time.Monday, time.Tuesday), 1),
		group(days(time.Tuesday, time.Wednesday), 2),
		group(0, 3),
		group(days(time.Monday), 4),
	}
	out, changed := Curate(in, DayDomain, testFields{V: 9})
	assert.True(t, changed)
	require.NoError(t, checkPartition(out))
	assert.Equal(t, []types.WeekdaySet{
		days(time.Monday, time.Tuesday),
		days(time.Wednesday),
		types.AllWeekdays.Remove(days(time.Monday, time.Tuesday, time.Wednesday)),
	}, weekdaysOfGroups(out))
	assert.Equal(t, 9, out[2].Store.Spans[0].Fields.V)

	out, changed = Curate(out, DayDomain, testFields{V: 9})
	assert.False(t, changed)
	assert.Len(t, out, 3)
}

func TestRemoveWeekdays(t *testing.T) {
	in := []Group[testFields]{group(workdays, 1), group(weekend, 2)}

	t.Run("some days", func(t *testing.T) {
		out, err := RemoveWeekdays(in, days(time.Friday, time.Saturday), DayDomain, testFields{V: 0})
		require.NoError(t, err)
		assert.Equal(t, []types.WeekdaySet{
			workdays.Remove(days(time.Friday)),
			days(time.Sunday),
			days(time.Friday, time.Saturday),
		}, weekdaysOfGroups(out))
		assert.Equal(t, 0, out[2].Store.Spans[0].Fields.V)
	})

	t.Run("a whole group", func(t *testing.T) {
		out, err := RemoveWeekdays(in, weekend, DayDomain, testFields{V: 0})
		require.NoError(t, err)
		assert.Equal(t, []types.WeekdaySet{workdays, weekend}, weekdaysOfGroups(out))
		assert.Equal(t, 0, out[1].Store.Spans[0].Fields.V)
	})

	t.Run("everything", func(t *testing.T) {
		out, err := RemoveWeekdays(in, 0, DayDomain, testFields{V: 5})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, types.AllWeekdays, out[0].Weekdays)
		assert.Equal(t, 5, out[0].Store.Spans[0].Fields.V)
	})
}

func TestWeekdayPartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	var groups []Group[testFields]
	for i := 0; i < 500; i++ {
		req := types.WeekdaySet(rng.Intn(128))
		var err error
		if rng.Intn(5) == 0 {
			groups, err = RemoveWeekdays(groups, req, DayDomain, testFields{})
			require.NoError(t, err)
		} else {
			var idx int
			groups, idx, err = SelectGroup(groups, req, time.Weekday(rng.Intn(7)), DayDomain, testFields{})
			require.NoError(t, err)
			groups[idx].Store, err = groups[idx].Store.Update(Range{Start: rng.Intn(700), End: 700 + rng.Intn(700)}, set(i), testFields{})
			require.NoError(t, err)
		}
		require.NoError(t, checkPartition(groups))
	}
}
