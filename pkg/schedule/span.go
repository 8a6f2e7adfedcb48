package schedule

import (
	"fmt"
	"slices"
	"sort"

	"github.com/solixplan/solixplan/pkg/types"
)

// Range is the half open range [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

var (
	// DayDomain is a day in minutes. The last minute has no span of its own
	// since the cloud caps the end of the day at 23:59.
	DayDomain = Range{Start: int(types.StartOfDay), End: int(types.EndOfDay)}
	// HourDomain is a day in hours, used by tariff plans.
	HourDomain = Range{Start: 0, End: 24}
	// MonthDomain is a year in months, seasons are [start_month, end_month+1).
	MonthDomain = Range{Start: 1, End: 13}
)

func (r Range) Valid() bool {
	return r.Start < r.End
}

func (r Range) Len() int {
	return r.End - r.Start
}

// Within reports whether r lies inside d.
func (r Range) Within(d Range) bool {
	return r.Start >= d.Start && r.End <= d.End
}

func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r Range) Covers(o Range) bool {
	return r.Start <= o.Start && r.End >= o.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Fields is the value attached to every span of a store.
type Fields[F any] interface {
	Equal(F) bool
}

type cloner[F any] interface {
	Clone() F
}

func cloneFields[F any](f F) F {
	if c, ok := any(f).(cloner[F]); ok {
		return c.Clone()
	}
	return f
}

// Span is one interval of a store.
type Span[F Fields[F]] struct {
	Range
	Fields F
}

// Store is an ordered list of spans that tiles Domain with no gaps and no
// overlaps. Every method returns a new store and leaves the receiver alone.
type Store[F Fields[F]] struct {
	Domain Range
	Spans  []Span[F]
}

// NewStore returns a store with a single span covering domain.
func NewStore[F Fields[F]](domain Range, fields F) Store[F] {
	return Store[F]{
		Domain: domain,
		Spans:  []Span[F]{{Range: domain, Fields: fields}},
	}
}

func (s Store[F]) Clone() Store[F] {
	out := Store[F]{Domain: s.Domain, Spans: make([]Span[F], len(s.Spans))}
	for i, sp := range s.Spans {
		out.Spans[i] = Span[F]{Range: sp.Range, Fields: cloneFields(sp.Fields)}
	}
	return out
}

// Check returns an error describing the first gap, overlap or empty span.
func (s Store[F]) Check() error {
	if !s.Domain.Valid() {
		return fmt.Errorf("domain %s is empty", s.Domain)
	}
	if len(s.Spans) == 0 {
		return fmt.Errorf("no spans in domain %s", s.Domain)
	}
	pos := s.Domain.Start
	for _, sp := range s.Spans {
		if !sp.Valid() {
			return fmt.Errorf("span %s is empty", sp.Range)
		}
		if sp.Start > pos {
			return fmt.Errorf("gap at %d before span %s", pos, sp.Range)
		}
		if sp.Start < pos {
			return fmt.Errorf("span %s overlaps at %d", sp.Range, pos)
		}
		pos = sp.End
	}
	if pos != s.Domain.End {
		return fmt.Errorf("spans end at %d instead of %d", pos, s.Domain.End)
	}
	return nil
}

func (s Store[F]) assert() error {
	if err := s.Check(); err != nil {
		return invariantViolation("%v", err)
	}
	return nil
}

// At returns the index of the span containing v or -1. The last span also
// owns the end of the domain.
func (s Store[F]) At(v int) int {
	for i, sp := range s.Spans {
		if v >= sp.Start && v < sp.End {
			return i
		}
	}
	if n := len(s.Spans); n > 0 && v == s.Domain.End && s.Spans[n-1].End == v {
		return n - 1
	}
	return -1
}

// Overlapping returns the indexes of the spans overlapping r.
func (s Store[F]) Overlapping(r Range) []int {
	var out []int
	for i, sp := range s.Spans {
		if sp.Overlaps(r) {
			out = append(out, i)
		}
	}
	return out
}

func (s Store[F]) checkRange(r Range) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %s start must be before end", ErrInvalidRange, r)
	}
	if !r.Within(s.Domain) {
		return fmt.Errorf("%w: %s outside of %s", ErrInvalidRange, r, s.Domain)
	}
	return nil
}

// boundaryFields picks the span whose values fill in whatever the caller left
// unspecified for r. A span sharing a boundary with r wins, in this order: a
// span starting at r.Start that r covers, the span ending at r.Start, a span
// starting at r.Start, the span ending at r.End, the span starting at r.End.
func (s Store[F]) boundaryFields(r Range) (F, bool) {
	matchers := []func(Span[F]) bool{
		func(sp Span[F]) bool { return sp.Start == r.Start && sp.End <= r.End },
		func(sp Span[F]) bool { return sp.End == r.Start },
		func(sp Span[F]) bool { return sp.Start == r.Start },
		func(sp Span[F]) bool { return sp.End == r.End },
		func(sp Span[F]) bool { return sp.Start == r.End },
	}
	for _, match := range matchers {
		for _, sp := range s.Spans {
			if match(sp) {
				return cloneFields(sp.Fields), true
			}
		}
	}
	var zero F
	return zero, false
}

// Splice replaces r with a single span holding fields. Spans partially
// overlapped keep their values for the remainders outside r, spans inside r
// are dropped. Neighbors are not merged. The index of the new span is
// returned.
func (s Store[F]) Splice(r Range, fields F) (Store[F], int, error) {
	if err := s.checkRange(r); err != nil {
		return s, -1, err
	}
	out := Store[F]{Domain: s.Domain, Spans: make([]Span[F], 0, len(s.Spans)+2)}
	idx := -1
	insert := func() {
		if idx < 0 {
			idx = len(out.Spans)
			out.Spans = append(out.Spans, Span[F]{Range: r, Fields: fields})
		}
	}
	for _, sp := range s.Spans {
		switch {
		case sp.End <= r.Start:
			out.Spans = append(out.Spans, sp)
		case sp.Start >= r.End:
			insert()
			out.Spans = append(out.Spans, sp)
		default:
			if sp.Start < r.Start {
				out.Spans = append(out.Spans, Span[F]{
					Range:  Range{Start: sp.Start, End: r.Start},
					Fields: cloneFields(sp.Fields),
				})
			}
			insert()
			if sp.End > r.End {
				out.Spans = append(out.Spans, Span[F]{
					Range:  Range{Start: r.End, End: sp.End},
					Fields: cloneFields(sp.Fields),
				})
			}
		}
	}
	insert()
	return out, idx, nil
}

// Normalize merges neighbors with equal fields.
func (s Store[F]) Normalize() Store[F] {
	out := Store[F]{Domain: s.Domain, Spans: make([]Span[F], 0, len(s.Spans))}
	for _, sp := range s.Spans {
		if n := len(out.Spans); n > 0 && out.Spans[n-1].End == sp.Start && out.Spans[n-1].Fields.Equal(sp.Fields) {
			out.Spans[n-1].End = sp.End
			continue
		}
		out.Spans = append(out.Spans, sp)
	}
	return out
}

// Update writes r with the fields returned by patch. patch receives the
// values of the span sharing a boundary with r, or defaults when there is
// none. The result is normalized and checked.
func (s Store[F]) Update(r Range, patch func(base F) F, defaults F) (Store[F], error) {
	if err := s.checkRange(r); err != nil {
		return s, err
	}
	base, ok := s.boundaryFields(r)
	if !ok {
		base = cloneFields(defaults)
	}
	out, _, err := s.Splice(r, patch(base))
	if err != nil {
		return s, err
	}
	out = out.Normalize()
	if err := out.assert(); err != nil {
		return s, err
	}
	return out, nil
}

// Set discards every span and writes r with patch(defaults). Whatever is
// left outside of r gets defaults.
func (s Store[F]) Set(r Range, patch func(base F) F, defaults F) (Store[F], error) {
	if err := s.checkRange(r); err != nil {
		return s, err
	}
	fresh := NewStore(s.Domain, cloneFields(defaults))
	out, _, err := fresh.Splice(r, patch(cloneFields(defaults)))
	if err != nil {
		return s, err
	}
	out = out.Normalize()
	if err := out.assert(); err != nil {
		return s, err
	}
	return out, nil
}

// Clear removes r and closes the gap by extending the span before it, or the
// span after it when r starts the domain. Clearing the whole domain leaves a
// single span with defaults.
func (s Store[F]) Clear(r Range, defaults F) (Store[F], error) {
	if err := s.checkRange(r); err != nil {
		return s, err
	}
	if r.Covers(s.Domain) {
		return NewStore(s.Domain, cloneFields(defaults)), nil
	}
	out := Store[F]{Domain: s.Domain, Spans: make([]Span[F], 0, len(s.Spans)+1)}
	for _, sp := range s.Spans {
		if !sp.Overlaps(r) {
			out.Spans = append(out.Spans, sp)
			continue
		}
		if sp.Start < r.Start {
			out.Spans = append(out.Spans, Span[F]{Range: Range{Start: sp.Start, End: r.Start}, Fields: sp.Fields})
		}
		if sp.End > r.End {
			out.Spans = append(out.Spans, Span[F]{Range: Range{Start: r.End, End: sp.End}, Fields: cloneFields(sp.Fields)})
		}
	}
	closed := false
	for i := range out.Spans {
		if out.Spans[i].End == r.Start {
			out.Spans[i].End = r.End
			closed = true
			break
		}
	}
	if !closed {
		for i := range out.Spans {
			if out.Spans[i].Start == r.End {
				out.Spans[i].Start = r.Start
				closed = true
				break
			}
		}
	}
	if !closed {
		return s, invariantViolation("no neighbor to close the gap %s", r)
	}
	out = out.Normalize()
	if err := out.assert(); err != nil {
		return s, err
	}
	return out, nil
}

// Repair builds a store from untrusted spans: they are clipped to the
// domain, sorted, overlaps are trimmed in favor of the earlier span and gaps
// are closed by extending the previous span. It reports whether anything
// had to be changed.
func Repair[F Fields[F]](domain Range, spans []Span[F], defaults F) (Store[F], bool) {
	repaired := false
	in := make([]Span[F], 0, len(spans))
	for _, sp := range spans {
		clipped := sp
		clipped.Start = max(clipped.Start, domain.Start)
		clipped.End = min(clipped.End, domain.End)
		if clipped.Range != sp.Range {
			repaired = true
		}
		if !clipped.Valid() {
			repaired = true
			continue
		}
		in = append(in, clipped)
	}
	if !sort.SliceIsSorted(in, func(i, j int) bool { return in[i].Start < in[j].Start }) {
		repaired = true
		sort.SliceStable(in, func(i, j int) bool { return in[i].Start < in[j].Start })
	}

	out := Store[F]{Domain: domain, Spans: make([]Span[F], 0, len(in))}
	pos := domain.Start
	for _, sp := range in {
		if sp.End <= pos {
			repaired = true
			continue
		}
		if sp.Start < pos {
			repaired = true
			sp.Start = pos
		}
		if sp.Start > pos {
			repaired = true
			if n := len(out.Spans); n > 0 {
				out.Spans[n-1].End = sp.Start
			} else {
				sp.Start = pos
			}
		}
		out.Spans = append(out.Spans, sp)
		pos = sp.End
	}
	switch n := len(out.Spans); {
	case n == 0:
		return NewStore(domain, defaults), true
	case pos < domain.End:
		repaired = true
		out.Spans[n-1].End = domain.End
	}
	normalized := out.Normalize()
	if len(normalized.Spans) != len(out.Spans) {
		repaired = true
	}
	return normalized, repaired
}

// Equal reports whether both stores hold the same spans.
func (s Store[F]) Equal(o Store[F]) bool {
	return s.Domain == o.Domain && slices.EqualFunc(s.Spans, o.Spans, func(a, b Span[F]) bool {
		return a.Range == b.Range && a.Fields.Equal(b.Fields)
	})
}
