package rule

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig marks a rule whose configuration does not match its type.
// The planner filters such rules out before evaluation; they never reach
// AppliesTo.
var ErrInvalidConfig = errors.New("invalid rule configuration")

// Type is the recurrence pattern family of a rule.
type Type string

const (
	TypeByDay        Type = "by_day"
	TypeByWeek       Type = "by_week"
	TypeByMonth      Type = "by_month"
	TypeByYear       Type = "by_year"
	TypeByInterval   Type = "by_interval"
	TypeSpecificDate Type = "specific_date"
	TypeCustom       Type = "custom"
)

// DayMode selects how a by_day rule matches within a month.
type DayMode string

const (
	DayEvery       DayMode = "every_day"
	DaySpecific    DayMode = "specific_days"
	DayLastWorkday DayMode = "last_workday"
)

// DayConfig configures by_day rules.
//
// Days entries may be negative to count from the end of the month
// (-1 = last day, -2 = second to last, ...). Zero is invalid.
type DayConfig struct {
	Mode DayMode `json:"mode"`
	Days []int   `json:"days,omitempty"`
}

// WeekConfig configures by_week rules.
//
// Two weekday encodings are accepted and normalized internally:
//   - Weekdays: 1=Monday .. 7=Sunday
//   - DaysOfWeek: 0=Sunday .. 6=Saturday
//
// An empty config never matches. This is deliberate and differs from
// by_day, where an absent day mode means "every day".
type WeekConfig struct {
	Weekdays   []int `json:"weekdays,omitempty"`
	DaysOfWeek []int `json:"days_of_week,omitempty"`
}

// MonthConfig configures by_month rules: either a fixed day-of-month or an
// nth-weekday pattern (Week 1..5, Weekday 0=Sunday..6=Saturday). When the
// rule carries no MonthConfig at all, the rule fires on the 1st.
type MonthConfig struct {
	Day     int `json:"day,omitempty"`
	Week    int `json:"week,omitempty"`
	Weekday int `json:"weekday,omitempty"`
}

// YearConfig configures by_year rules. Absent config means January 1st.
type YearConfig struct {
	Month time.Month `json:"month"`
	Day   int        `json:"day"`
}

// Unit is the step unit of an interval rule.
type Unit string

const (
	UnitDays   Unit = "days"
	UnitWeeks  Unit = "weeks"
	UnitMonths Unit = "months"
	UnitYears  Unit = "years"
)

// IntervalConfig configures by_interval rules: fire on every date whose
// signed distance from Reference is a non-negative multiple of Interval
// in the given Unit.
type IntervalConfig struct {
	Interval  int  `json:"interval"`
	Unit      Unit `json:"unit"`
	Reference Date `json:"reference"`
}

// Rule is a schedule rule owned by exactly one task.
//
// Exactly the configuration variant matching Type must be set; Validate
// enforces this structurally so the evaluator never shape-sniffs.
type Rule struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	Type   Type   `json:"type"`

	Day      *DayConfig      `json:"day,omitempty"`
	Week     *WeekConfig     `json:"week,omitempty"`
	Month    *MonthConfig    `json:"month,omitempty"`
	Year     *YearConfig     `json:"year,omitempty"`
	Interval *IntervalConfig `json:"interval,omitempty"`
	Dates    []Date          `json:"dates,omitempty"`

	// Months restricts by_day rules to the listed months. Empty = all.
	Months []time.Month `json:"months,omitempty"`

	// Times are the clock times the rule fires at on a matched date.
	// An empty list is legal only when message timing comes from an
	// external per-row source; the evaluator then yields zero timestamps
	// and the planner substitutes times.
	Times []Clock `json:"times,omitempty"`
}

// Validate checks that the rule's configuration shape matches its type.
func (r Rule) Validate() error {
	if err := r.validateVariants(); err != nil {
		return err
	}
	for _, c := range r.Times {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	for _, m := range r.Months {
		if m < time.January || m > time.December {
			return fmt.Errorf("%w: month %d out of range", ErrInvalidConfig, m)
		}
	}
	if len(r.Months) > 0 && r.Type != TypeByDay {
		return fmt.Errorf("%w: months filter only applies to %s rules", ErrInvalidConfig, TypeByDay)
	}
	return nil
}

func (r Rule) validateVariants() error {
	set := map[string]bool{
		"day":      r.Day != nil,
		"week":     r.Week != nil,
		"month":    r.Month != nil,
		"year":     r.Year != nil,
		"interval": r.Interval != nil,
		"dates":    len(r.Dates) > 0,
	}
	allowed := func(names ...string) error {
		ok := map[string]bool{}
		for _, n := range names {
			ok[n] = true
		}
		for n, present := range set {
			if present && !ok[n] {
				return fmt.Errorf("%w: %s config not valid for %s rule", ErrInvalidConfig, n, r.Type)
			}
		}
		return nil
	}

	switch r.Type {
	case TypeByDay:
		if err := allowed("day"); err != nil {
			return err
		}
		return r.validateDay()
	case TypeByWeek:
		if err := allowed("week"); err != nil {
			return err
		}
		return r.validateWeek()
	case TypeByMonth:
		if err := allowed("month"); err != nil {
			return err
		}
		return r.validateMonth()
	case TypeByYear:
		if err := allowed("year"); err != nil {
			return err
		}
		return r.validateYear()
	case TypeByInterval:
		if err := allowed("interval"); err != nil {
			return err
		}
		if r.Interval == nil {
			return fmt.Errorf("%w: %s rule requires interval config", ErrInvalidConfig, r.Type)
		}
		return r.Interval.validate()
	case TypeSpecificDate:
		if err := allowed("dates"); err != nil {
			return err
		}
		if len(r.Dates) == 0 {
			return fmt.Errorf("%w: %s rule requires at least one date", ErrInvalidConfig, r.Type)
		}
		for _, d := range r.Dates {
			if err := d.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
		}
		return nil
	case TypeCustom:
		// Custom rules delegate to interval semantics when an interval
		// config is present; without one they never fire.
		if err := allowed("interval"); err != nil {
			return err
		}
		if r.Interval != nil {
			return r.Interval.validate()
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidConfig, r.Type)
	}
}

func (r Rule) validateDay() error {
	if r.Day == nil {
		// Absent day mode means "every day" for by_day rules.
		return nil
	}
	switch r.Day.Mode {
	case DayEvery, DayLastWorkday:
		if len(r.Day.Days) > 0 {
			return fmt.Errorf("%w: days list not valid for mode %q", ErrInvalidConfig, r.Day.Mode)
		}
		return nil
	case DaySpecific:
		if len(r.Day.Days) == 0 {
			return fmt.Errorf("%w: mode %q requires a days list", ErrInvalidConfig, DaySpecific)
		}
		for _, d := range r.Day.Days {
			if d == 0 || d < -31 || d > 31 {
				return fmt.Errorf("%w: day-of-month %d out of range", ErrInvalidConfig, d)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown day mode %q", ErrInvalidConfig, r.Day.Mode)
	}
}

func (r Rule) validateWeek() error {
	if r.Week == nil {
		// Legal shape; such a rule never matches (see WeekConfig doc).
		return nil
	}
	for _, d := range r.Week.Weekdays {
		if d < 1 || d > 7 {
			return fmt.Errorf("%w: weekday %d out of range 1..7", ErrInvalidConfig, d)
		}
	}
	for _, d := range r.Week.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: day-of-week %d out of range 0..6", ErrInvalidConfig, d)
		}
	}
	return nil
}

func (r Rule) validateMonth() error {
	if r.Month == nil {
		return nil
	}
	m := r.Month
	hasDay := m.Day != 0
	hasNth := m.Week != 0
	if hasDay && hasNth {
		return fmt.Errorf("%w: month config sets both day and nth-weekday", ErrInvalidConfig)
	}
	if hasDay && (m.Day < 1 || m.Day > 31) {
		return fmt.Errorf("%w: day-of-month %d out of range", ErrInvalidConfig, m.Day)
	}
	if hasNth {
		if m.Week < 1 || m.Week > 5 {
			return fmt.Errorf("%w: week-of-month %d out of range 1..5", ErrInvalidConfig, m.Week)
		}
		if m.Weekday < 0 || m.Weekday > 6 {
			return fmt.Errorf("%w: weekday %d out of range 0..6", ErrInvalidConfig, m.Weekday)
		}
	}
	return nil
}

func (r Rule) validateYear() error {
	if r.Year == nil {
		return nil
	}
	y := r.Year
	if y.Month < time.January || y.Month > time.December {
		return fmt.Errorf("%w: month %d out of range", ErrInvalidConfig, y.Month)
	}
	if y.Day < 1 || y.Day > daysInMonth(2000, y.Month) { // leap year: permits Feb 29
		return fmt.Errorf("%w: day %d out of range for %s", ErrInvalidConfig, y.Day, y.Month)
	}
	return nil
}

func (c IntervalConfig) validate() error {
	if c.Interval < 1 {
		return fmt.Errorf("%w: interval must be >= 1", ErrInvalidConfig)
	}
	switch c.Unit {
	case UnitDays, UnitWeeks, UnitMonths, UnitYears:
	default:
		return fmt.Errorf("%w: unknown interval unit %q", ErrInvalidConfig, c.Unit)
	}
	if err := c.Reference.Validate(); err != nil {
		return fmt.Errorf("%w: reference date: %v", ErrInvalidConfig, err)
	}
	return nil
}
