package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a minute of the day. The cloud writes the end of the day as
// "24:00" which has no minute of its own, so EndOfDay caps it at 23:59.
type TimeOfDay int

const (
	StartOfDay TimeOfDay = 0
	EndOfDay   TimeOfDay = 23*60 + 59
)

// NewTimeOfDay returns the TimeOfDay for hour:minute. 24:00 is accepted and
// mapped to EndOfDay.
func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	if hour == 24 && minute == 0 {
		return EndOfDay, nil
	}
	if hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour: %d", hour)
	}
	if minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute: %d", minute)
	}
	return TimeOfDay(hour*60 + minute), nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" (seconds are dropped).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day: %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if len(parts) == 3 {
		if _, err := strconv.Atoi(parts[2]); err != nil {
			return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
		}
		if hour == 24 && parts[2] != "00" {
			return 0, fmt.Errorf("invalid time of day: %q", s)
		}
	}
	return NewTimeOfDay(hour, minute)
}

// TimeOfDayOf returns the minute of the day of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (t TimeOfDay) Hour() int {
	return int(t) / 60
}

func (t TimeOfDay) Minute() int {
	return int(t) % 60
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// MarshalJSON writes EndOfDay as "24:00" which is what the cloud expects for
// the last interval of a day.
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	if t == EndOfDay {
		return json.Marshal("24:00")
	}
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// WeekdaySet is a bitmask of time.Weekday values, Sunday being bit 0 just
// like the cloud's week numbering.
type WeekdaySet uint8

const AllWeekdays WeekdaySet = 1<<7 - 1

// NewWeekdaySet returns the set of the given days.
func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s |= 1 << uint(d)
	}
	return s & AllWeekdays
}

func (s WeekdaySet) Has(d time.Weekday) bool {
	return s&(1<<uint(d)) != 0
}

func (s WeekdaySet) Union(o WeekdaySet) WeekdaySet {
	return s | o
}

func (s WeekdaySet) Intersect(o WeekdaySet) WeekdaySet {
	return s & o
}

func (s WeekdaySet) Remove(o WeekdaySet) WeekdaySet {
	return s &^ o
}

func (s WeekdaySet) Empty() bool {
	return s == 0
}

// SubsetOf reports whether every day of s is also in o.
func (s WeekdaySet) SubsetOf(o WeekdaySet) bool {
	return s&^o == 0
}

func (s WeekdaySet) Count() int {
	var n int
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			n++
		}
	}
	return n
}

// Days returns the days in s from Sunday to Saturday.
func (s WeekdaySet) Days() []time.Weekday {
	var days []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			days = append(days, d)
		}
	}
	return days
}

func (s WeekdaySet) String() string {
	names := make([]string, 0, 7)
	for _, d := range s.Days() {
		names = append(names, d.String()[:3])
	}
	return "[" + strings.Join(names, ",") + "]"
}

// ParseWeekday accepts full or three letter English day names as well as the
// cloud's numbers (0 is Sunday).
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("invalid weekday: %d", n)
		}
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday: %q", s)
}

func (s WeekdaySet) MarshalJSON() ([]byte, error) {
	days := make([]int, 0, 7)
	for _, d := range s.Days() {
		days = append(days, int(d))
	}
	return json.Marshal(days)
}

func (s *WeekdaySet) UnmarshalJSON(b []byte) error {
	var days []int
	if err := json.Unmarshal(b, &days); err != nil {
		return err
	}
	var out WeekdaySet
	for _, d := range days {
		if d < 0 || d > 6 {
			return fmt.Errorf("invalid weekday: %d", d)
		}
		out |= 1 << uint(d)
	}
	*s = out
	return nil
}

// SortWeekdays is a helper for stable output of weekday lists.
func SortWeekdays(days []time.Weekday) []time.Weekday {
	out := slices.Clone(days)
	slices.Sort(out)
	return slices.Compact(out)
}
