package rule

import (
	"sort"
	"time"
)

// AppliesTo reports whether the rule fires on the given date.
//
// It assumes the rule passed Validate(); callers must filter invalid rules
// first. An invalid shape that slips through evaluates to false rather
// than panicking.
func AppliesTo(r Rule, d Date) bool {
	switch r.Type {
	case TypeByDay:
		return appliesByDay(r, d)
	case TypeByWeek:
		return appliesByWeek(r, d)
	case TypeByMonth:
		return appliesByMonth(r, d)
	case TypeByYear:
		return appliesByYear(r, d)
	case TypeByInterval:
		if r.Interval == nil {
			return false
		}
		return appliesInterval(*r.Interval, d)
	case TypeSpecificDate:
		for _, want := range r.Dates {
			if want == d {
				return true
			}
		}
		return false
	case TypeCustom:
		// Custom delegates to interval semantics when configured;
		// otherwise it never fires.
		if r.Interval == nil {
			return false
		}
		return appliesInterval(*r.Interval, d)
	default:
		return false
	}
}

// Timestamps returns the concrete execution times of the rule on the given
// date, ascending. Empty when the rule does not apply, and also when it
// applies but carries no clock times (the planner then substitutes times
// from the external per-row source).
func Timestamps(r Rule, d Date, loc *time.Location) []time.Time {
	if !AppliesTo(r, d) {
		return nil
	}
	if len(r.Times) == 0 {
		return nil
	}
	clocks := append([]Clock(nil), r.Times...)
	sort.Slice(clocks, func(i, j int) bool { return clocks[i].Less(clocks[j]) })
	out := make([]time.Time, 0, len(clocks))
	var prev Clock
	for i, c := range clocks {
		if i > 0 && c == prev {
			continue
		}
		prev = c
		out = append(out, c.At(d, loc))
	}
	return out
}

func appliesByDay(r Rule, d Date) bool {
	if len(r.Months) > 0 && !containsMonth(r.Months, d.Month) {
		return false
	}
	if r.Day == nil {
		// No day mode means every day, unlike by_week.
		return true
	}
	switch r.Day.Mode {
	case DayEvery:
		return true
	case DaySpecific:
		last := daysInMonth(d.Year, d.Month)
		for _, want := range r.Day.Days {
			if want > 0 && d.Day == want {
				return true
			}
			// Negative indices count from month end: -1 = last day.
			if want < 0 && d.Day == last+want+1 {
				return true
			}
		}
		return false
	case DayLastWorkday:
		return d.Day == lastWorkday(d.Year, d.Month)
	default:
		return false
	}
}

// lastWorkday returns the day-of-month of the last weekday (Mon..Fri),
// stepping backward over Saturday and Sunday.
func lastWorkday(year int, m time.Month) int {
	day := daysInMonth(year, m)
	for {
		wd := (Date{Year: year, Month: m, Day: day}).Weekday()
		if wd != time.Saturday && wd != time.Sunday {
			return day
		}
		day--
	}
}

func appliesByWeek(r Rule, d Date) bool {
	if r.Week == nil {
		return false
	}
	set := normalizeWeekdays(*r.Week)
	if len(set) == 0 {
		// Absent day filter means "no match" for weekly rules.
		return false
	}
	return set[d.Weekday()]
}

// normalizeWeekdays merges both accepted encodings into one weekday set:
// Weekdays uses 1=Monday..7=Sunday, DaysOfWeek uses 0=Sunday..6=Saturday.
func normalizeWeekdays(w WeekConfig) map[time.Weekday]bool {
	set := make(map[time.Weekday]bool, len(w.Weekdays)+len(w.DaysOfWeek))
	for _, v := range w.Weekdays {
		if v >= 1 && v <= 7 {
			set[time.Weekday(v%7)] = true
		}
	}
	for _, v := range w.DaysOfWeek {
		if v >= 0 && v <= 6 {
			set[time.Weekday(v)] = true
		}
	}
	return set
}

func appliesByMonth(r Rule, d Date) bool {
	if r.Month == nil {
		return d.Day == 1
	}
	m := r.Month
	if m.Day != 0 {
		return d.Day == m.Day
	}
	if m.Week != 0 {
		if d.Weekday() != time.Weekday(m.Weekday) {
			return false
		}
		return (d.Day-1)/7 == m.Week-1
	}
	return d.Day == 1
}

func appliesByYear(r Rule, d Date) bool {
	if r.Year == nil {
		return d.Month == time.January && d.Day == 1
	}
	return d.Month == r.Year.Month && d.Day == r.Year.Day
}

func appliesInterval(c IntervalConfig, d Date) bool {
	if c.Interval < 1 {
		return false
	}
	ref := c.Reference
	switch c.Unit {
	case UnitDays:
		diff := d.DaysSince(ref)
		return diff >= 0 && diff%c.Interval == 0
	case UnitWeeks:
		diff := d.DaysSince(ref)
		return diff >= 0 && diff%(7*c.Interval) == 0
	case UnitMonths:
		// A whole month step lands on the reference's day-of-month.
		if d.Day != ref.Day {
			return false
		}
		months := (d.Year-ref.Year)*12 + int(d.Month) - int(ref.Month)
		return months >= 0 && months%c.Interval == 0
	case UnitYears:
		if d.Month != ref.Month || d.Day != ref.Day {
			return false
		}
		years := d.Year - ref.Year
		return years >= 0 && years%c.Interval == 0
	default:
		return false
	}
}

func containsMonth(ms []time.Month, m time.Month) bool {
	for _, v := range ms {
		if v == m {
			return true
		}
	}
	return false
}
