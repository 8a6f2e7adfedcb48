package schedule

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/solixplan/solixplan/pkg/types"
)

// priceStep is the distance kept between a seeded price and its neighbors.
const priceStep = 0.01

type tariffFields struct {
	Type types.TariffType
}

func (f tariffFields) Equal(o tariffFields) bool {
	return f == o
}

// dayTariff is the hour plan of one day type and the prices of its tariffs.
type dayTariff struct {
	Hours  Store[tariffFields]
	Prices map[types.TariffType]string
}

func (d dayTariff) Clone() dayTariff {
	prices := maps.Clone(d.Prices)
	if prices == nil {
		prices = map[types.TariffType]string{}
	}
	return dayTariff{Hours: d.Hours.Clone(), Prices: prices}
}

func (d dayTariff) equal(o dayTariff) bool {
	return d.Hours.Equal(o.Hours) && maps.Equal(d.Prices, o.Prices)
}

// prune drops prices of tariffs no hour uses anymore.
func (d *dayTariff) prune() {
	used := map[types.TariffType]bool{}
	for _, sp := range d.Hours.Spans {
		used[sp.Fields.Type] = true
	}
	maps.DeleteFunc(d.Prices, func(t types.TariffType, _ string) bool { return !used[t] })
}

// season is a month range of the usage time plan. While Same is set the
// weekend mirrors the weekday.
type season struct {
	Weekday dayTariff
	Weekend dayTariff
	Same    bool
	Unit    string
}

func (s season) Equal(o season) bool {
	if s.Same != o.Same || s.Unit != o.Unit || !s.Weekday.equal(o.Weekday) {
		return false
	}
	return s.Same || s.Weekend.equal(o.Weekend)
}

func (s season) Clone() season {
	return season{Weekday: s.Weekday.Clone(), Weekend: s.Weekend.Clone(), Same: s.Same, Unit: s.Unit}
}

func (s season) day(dt types.DayType) dayTariff {
	if s.Same || dt != types.DayTypeWeekend {
		return s.Weekday
	}
	return s.Weekend
}

func (s *season) setDay(dt types.DayType, d dayTariff) {
	switch {
	case s.Same:
		s.Weekday, s.Weekend = d, d.Clone()
	case dt == types.DayTypeWeekend:
		s.Weekend = d
	default:
		s.Weekday = d
	}
	if !s.Same && s.Weekday.equal(s.Weekend) {
		s.Same = true
	}
}

// split gives the weekend its own copy of the weekday plan.
func (s *season) split() {
	if s.Same {
		s.Same = false
		s.Weekend = s.Weekday.Clone()
	}
}

func dayTypeOf(d time.Weekday) types.DayType {
	if d == time.Saturday || d == time.Sunday {
		return types.DayTypeWeekend
	}
	return types.DayTypeWeekday
}

func weekdaysOf(dt types.DayType) types.WeekdaySet {
	weekend := types.NewWeekdaySet(time.Saturday, time.Sunday)
	if dt == types.DayTypeWeekend {
		return weekend
	}
	return types.AllWeekdays.Remove(weekend)
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(math.Round(v*10000)/10000, 'f', -1, 64)
}

// seedPrice picks a price for a tariff without one. It starts from the fixed
// price and is moved to sit between the prices of the cheaper and the more
// expensive tariffs already set, valley < off_peak < mid_peak < peak. When
// those are too close the midpoint is used. Prices given by the user are
// never reordered.
func seedPrice(prices map[types.TariffType]string, t types.TariffType, fixed float64) float64 {
	lower, upper := math.Inf(-1), math.Inf(1)
	for tt, ps := range prices {
		v, err := strconv.ParseFloat(ps, 64)
		if err != nil {
			continue
		}
		switch {
		case tt.Rank() < t.Rank():
			lower = max(lower, v)
		case tt.Rank() > t.Rank():
			upper = min(upper, v)
		}
	}
	seed := fixed
	switch {
	case !math.IsInf(lower, 0) && !math.IsInf(upper, 0) && upper-lower <= 2*priceStep+1e-9:
		seed = (lower + upper) / 2
	case seed <= lower:
		seed = lower + priceStep
	case seed >= upper:
		seed = upper - priceStep
	}
	return max(seed, 0)
}

func defaultSeason(t types.TariffType, opt Options) season {
	day := dayTariff{
		Hours:  NewStore(HourDomain, tariffFields{Type: t}),
		Prices: map[types.TariffType]string{t: formatPrice(opt.FixedPrice)},
	}
	return season{Weekday: day, Weekend: day.Clone(), Same: true, Unit: opt.Currency}
}

func loadDay(ranges []types.TariffRange, prices []types.TariffPrice) (dayTariff, bool) {
	spans := make([]Span[tariffFields], 0, len(ranges))
	for _, r := range ranges {
		spans = append(spans, Span[tariffFields]{
			Range:  Range{Start: r.StartTime, End: r.EndTime},
			Fields: tariffFields{Type: r.Type},
		})
	}
	st, repaired := Repair(HourDomain, spans, tariffFields{Type: types.TariffOffPeak})
	pm := make(map[types.TariffType]string, len(prices))
	for _, p := range prices {
		if p.Type.Valid() {
			pm[p.Type] = p.Price
		}
	}
	return dayTariff{Hours: st, Prices: pm}, repaired
}

// loadSeasons reads the usage time plan. A season running over the end of
// the year is split in two.
func loadSeasons(seasons []types.Season, opt Options) (Store[season], bool) {
	repaired := false
	spans := make([]Span[season], 0, len(seasons)+1)
	for _, sea := range seasons {
		wd, rep := loadDay(sea.Weekday, sea.WeekdayPrice)
		repaired = repaired || rep
		f := season{Weekday: wd, Same: sea.IsSame, Unit: sea.Unit}
		if sea.IsSame {
			f.Weekend = wd.Clone()
		} else {
			f.Weekend, rep = loadDay(sea.Weekend, sea.WeekendPrice)
			repaired = repaired || rep
		}
		sm, em := sea.Sea.StartMonth, sea.Sea.EndMonth
		if sm > em {
			repaired = true
			spans = append(spans,
				Span[season]{Range: Range{Start: sm, End: MonthDomain.End}, Fields: f},
				Span[season]{Range: Range{Start: MonthDomain.Start, End: em + 1}, Fields: f.Clone()},
			)
			continue
		}
		spans = append(spans, Span[season]{Range: Range{Start: sm, End: em + 1}, Fields: f})
	}
	st, rep := Repair(MonthDomain, spans, defaultSeason(types.TariffOffPeak, opt))
	return st, repaired || rep
}

func rangesOf(d dayTariff) []types.TariffRange {
	out := make([]types.TariffRange, 0, len(d.Hours.Spans))
	for _, sp := range d.Hours.Spans {
		out = append(out, types.TariffRange{StartTime: sp.Start, EndTime: sp.End, Type: sp.Fields.Type})
	}
	return out
}

func pricesOf(d dayTariff) []types.TariffPrice {
	out := make([]types.TariffPrice, 0, len(d.Prices))
	for _, t := range slices.Sorted(maps.Keys(d.Prices)) {
		out = append(out, types.TariffPrice{Price: d.Prices[t], Type: t})
	}
	return out
}

func storeSeasons(st Store[season], opt Options) []types.Season {
	out := make([]types.Season, 0, len(st.Spans))
	for _, sp := range st.Spans {
		f := sp.Fields
		unit := f.Unit
		if unit == "" {
			unit = opt.Currency
		}
		weekend := f.Weekend
		if f.Same {
			weekend = f.Weekday
		}
		out = append(out, types.Season{
			Sea:          types.SeasonRange{StartMonth: sp.Start, EndMonth: sp.End - 1},
			Weekday:      rangesOf(f.Weekday),
			Weekend:      rangesOf(weekend),
			WeekdayPrice: pricesOf(f.Weekday),
			WeekendPrice: pricesOf(weekend),
			Unit:         unit,
			IsSame:       f.Same,
		})
	}
	return out
}

// TariffRequest changes the usage time plan. Months are 1-12 and inclusive,
// hours are 0-24 with the end exclusive. Missing bounds are taken from the
// season or hour range containing the other bound, or from the one active
// now.
type TariffRequest struct {
	StartMonth *int              `json:"start_month,omitempty"`
	EndMonth   *int              `json:"end_month,omitempty"`
	DayType    *types.DayType    `json:"day_type,omitempty"`
	StartHour  *int              `json:"start_hour,omitempty"`
	EndHour    *int              `json:"end_hour,omitempty"`
	Tariff     *types.TariffType `json:"tariff,omitempty"`
	Price      *float64          `json:"price,omitempty"`
	// Delete removes the most specific scope given: the hour range, the day
	// type, the season or, with none of them, the whole plan. Both months
	// given must lie within one season.
	Delete bool `json:"delete,omitempty"`
}

func (r TariffRequest) validate() error {
	for _, m := range []*int{r.StartMonth, r.EndMonth} {
		if m != nil && (*m < 1 || *m > 12) {
			return fmt.Errorf("%w: month %d", ErrInvalidRange, *m)
		}
	}
	for _, h := range []*int{r.StartHour, r.EndHour} {
		if h != nil && (*h < 0 || *h > 24) {
			return fmt.Errorf("%w: hour %d", ErrInvalidRange, *h)
		}
	}
	if r.DayType != nil && *r.DayType != types.DayTypeWeekday && *r.DayType != types.DayTypeWeekend {
		return fmt.Errorf("%w: day type %q", ErrInvalidValue, *r.DayType)
	}
	if r.Tariff != nil && !r.Tariff.Valid() {
		return fmt.Errorf("%w: tariff %d", ErrInvalidValue, *r.Tariff)
	}
	if r.Price != nil && (*r.Price < 0 || math.IsNaN(*r.Price) || math.IsInf(*r.Price, 0)) {
		return fmt.Errorf("%w: price %v", ErrInvalidValue, *r.Price)
	}
	return nil
}

func (r TariffRequest) hourScope() bool {
	return r.StartHour != nil || r.EndHour != nil
}

func (r TariffRequest) monthScope() bool {
	return r.StartMonth != nil || r.EndMonth != nil
}

func monthRange(st Store[season], req TariffRequest, local time.Time) (Range, error) {
	switch {
	case req.StartMonth != nil && req.EndMonth != nil:
		if *req.StartMonth > *req.EndMonth {
			return Range{}, fmt.Errorf("%w: months %d-%d", ErrInvalidRange, *req.StartMonth, *req.EndMonth)
		}
		return Range{Start: *req.StartMonth, End: *req.EndMonth + 1}, nil
	case req.StartMonth != nil:
		return Range{Start: *req.StartMonth, End: st.Spans[st.At(*req.StartMonth)].End}, nil
	case req.EndMonth != nil:
		return Range{Start: st.Spans[st.At(*req.EndMonth)].Start, End: *req.EndMonth + 1}, nil
	default:
		return st.Spans[st.At(int(local.Month()))].Range, nil
	}
}

func hourRange(st Store[tariffFields], req TariffRequest, local time.Time) (Range, error) {
	switch {
	case req.StartHour != nil && req.EndHour != nil:
		return Range{Start: *req.StartHour, End: *req.EndHour}, nil
	case req.StartHour != nil:
		return Range{Start: *req.StartHour, End: st.Spans[st.At(*req.StartHour)].End}, nil
	case req.EndHour != nil:
		i := st.At(*req.EndHour - 1)
		if i < 0 {
			return Range{}, fmt.Errorf("%w: end hour %d", ErrInvalidRange, *req.EndHour)
		}
		return Range{Start: st.Spans[i].Start, End: *req.EndHour}, nil
	default:
		return st.Spans[st.At(local.Hour())].Range, nil
	}
}

// ModifyTariff changes or deletes a part of the usage time plan. Seasons
// always tile the year and every day type tiles the day.
func ModifyTariff(s types.Schedule, req TariffRequest, opt Options) (Result, error) {
	if opt.Capabilities.Gen1() {
		return Result{}, unsupported("usage time plan on %s", opt.Capabilities.Model)
	}
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	out := s.Clone()
	local := opt.Local()

	if len(out.UseTime) == 0 {
		if req.Delete {
			return Result{}, fmt.Errorf("%w: %s", ErrNoPlan, types.PlanUsageTime)
		}
		out.UseTime = storeSeasons(NewStore(MonthDomain, defaultSeason(types.TariffOffPeak, opt)), opt)
	}
	seasons, _ := loadSeasons(out.UseTime, opt)

	var err error
	if req.Delete {
		var gone bool
		seasons, gone, err = deleteTariff(seasons, req, local, opt)
		if err != nil {
			return Result{}, err
		}
		if gone {
			out.UseTime = nil
			return Result{Schedule: out}, nil
		}
	} else {
		seasons, err = updateTariff(seasons, req, local, opt)
		if err != nil {
			return Result{}, err
		}
	}
	if err := checkSeasons(seasons); err != nil {
		return Result{}, err
	}
	out.UseTime = storeSeasons(seasons, opt)
	return Result{Schedule: out}, nil
}

func checkSeasons(st Store[season]) error {
	if err := st.assert(); err != nil {
		return err
	}
	for _, sp := range st.Spans {
		for _, d := range []dayTariff{sp.Fields.Weekday, sp.Fields.Weekend} {
			if err := d.Hours.assert(); err != nil {
				return fmt.Errorf("season %s: %w", sp.Range, err)
			}
		}
	}
	return nil
}

func updateTariff(seasons Store[season], req TariffRequest, local time.Time, opt Options) (Store[season], error) {
	mr, err := monthRange(seasons, req, local)
	if err != nil {
		return seasons, err
	}
	if err := seasons.checkRange(mr); err != nil {
		return seasons, err
	}
	sea := seasons.Spans[seasons.At(mr.Start)].Fields.Clone()

	dt := dayTypeOf(local.Weekday())
	if req.DayType != nil {
		dt = *req.DayType
		sea.split()
	}
	day := sea.day(dt).Clone()

	hr, err := hourRange(day.Hours, req, local)
	if err != nil {
		return seasons, err
	}
	if err := day.Hours.checkRange(hr); err != nil {
		return seasons, err
	}
	t := day.Hours.Spans[day.Hours.At(hr.Start)].Fields.Type
	if req.Tariff != nil {
		t = *req.Tariff
	}
	fields := tariffFields{Type: t}
	day.Hours, err = day.Hours.Update(hr, func(tariffFields) tariffFields { return fields }, fields)
	if err != nil {
		return seasons, err
	}

	switch _, ok := day.Prices[t]; {
	case req.Price != nil:
		day.Prices[t] = formatPrice(*req.Price)
	case !ok:
		other := sea.day(otherDayType(dt))
		if p, ok := other.Prices[t]; ok && !sea.Same {
			day.Prices[t] = p
		} else {
			day.Prices[t] = formatPrice(seedPrice(day.Prices, t, opt.FixedPrice))
		}
	}
	day.prune()
	sea.setDay(dt, day)
	if sea.Unit == "" {
		sea.Unit = opt.Currency
	}

	out, _, err := seasons.Splice(mr, sea)
	if err != nil {
		return seasons, err
	}
	return out.Normalize(), nil
}

func otherDayType(dt types.DayType) types.DayType {
	if dt == types.DayTypeWeekend {
		return types.DayTypeWeekday
	}
	return types.DayTypeWeekend
}

// deleteTariff folds the deletion up the scopes. Each level returns the
// surviving value or reports that it collapsed, in which case the level
// above removes it in turn. The returned bool reports that the whole plan
// is gone.
func deleteTariff(seasons Store[season], req TariffRequest, local time.Time, opt Options) (Store[season], bool, error) {
	if !req.hourScope() && req.DayType == nil && !req.monthScope() {
		return seasons, true, nil
	}

	month := int(local.Month())
	switch {
	case req.StartMonth != nil:
		month = *req.StartMonth
	case req.EndMonth != nil:
		month = *req.EndMonth
	}
	si := seasons.At(month)
	target := seasons.Spans[si]
	if req.StartMonth != nil && req.EndMonth != nil &&
		(*req.StartMonth > *req.EndMonth || *req.EndMonth >= target.End) {
		return seasons, false, fmt.Errorf("%w: months %d-%d are not within one season", ErrInvalidRange, *req.StartMonth, *req.EndMonth)
	}

	sea, collapsed := target.Fields.Clone(), true
	if req.hourScope() || req.DayType != nil {
		dt := dayTypeOf(local.Weekday())
		if req.DayType != nil {
			dt = *req.DayType
		}
		dayCollapsed := true
		if req.hourScope() {
			day, gone, err := deleteHours(sea.day(dt).Clone(), req, local)
			if err != nil {
				return seasons, false, err
			}
			if !gone {
				dayCollapsed = false
				sea.setDay(dt, day)
			}
		}
		collapsed = false
		if dayCollapsed {
			sea, collapsed = deleteDayType(sea, dt)
		}
	}

	if !collapsed {
		out := seasons.Clone()
		out.Spans[si].Fields = sea
		return out.Normalize(), false, nil
	}
	if len(seasons.Spans) == 1 {
		return seasons, true, nil
	}
	out, err := seasons.Clear(target.Range, defaultSeason(types.TariffOffPeak, opt))
	if err != nil {
		return seasons, false, err
	}
	return out, false, nil
}

// deleteHours clears an hour range, reporting when nothing is left of the
// day.
func deleteHours(day dayTariff, req TariffRequest, local time.Time) (dayTariff, bool, error) {
	hr, err := hourRange(day.Hours, req, local)
	if err != nil {
		return day, false, err
	}
	if err := day.Hours.checkRange(hr); err != nil {
		return day, false, err
	}
	if hr.Covers(day.Hours.Domain) {
		return day, true, nil
	}
	day.Hours, err = day.Hours.Clear(hr, tariffFields{Type: types.TariffOffPeak})
	if err != nil {
		return day, false, err
	}
	day.prune()
	return day, false, nil
}

// deleteDayType removes a day type. A split season falls back to the other
// day type for the whole week, a shared one has nothing left.
func deleteDayType(sea season, dt types.DayType) (season, bool) {
	if sea.Same {
		return sea, true
	}
	keep := sea.day(otherDayType(dt))
	return season{Weekday: keep, Weekend: keep.Clone(), Same: true, Unit: sea.Unit}, false
}
