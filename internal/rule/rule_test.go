package rule

import (
	"errors"
	"testing"
	"time"
)

func TestValidateShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		r       Rule
		wantErr bool
	}{
		{name: "by_day bare", r: Rule{Type: TypeByDay}},
		{name: "by_day specific", r: Rule{Type: TypeByDay, Day: &DayConfig{Mode: DaySpecific, Days: []int{1, -1}}}},
		{name: "by_day specific without days", r: Rule{Type: TypeByDay, Day: &DayConfig{Mode: DaySpecific}}, wantErr: true},
		{name: "by_day zero day index", r: Rule{Type: TypeByDay, Day: &DayConfig{Mode: DaySpecific, Days: []int{0}}}, wantErr: true},
		{name: "by_day with week config", r: Rule{Type: TypeByDay, Week: &WeekConfig{Weekdays: []int{1}}}, wantErr: true},
		{name: "by_day months filter", r: Rule{Type: TypeByDay, Months: []time.Month{time.March}}},
		{name: "by_week bare", r: Rule{Type: TypeByWeek}},
		{name: "by_week valid", r: Rule{Type: TypeByWeek, Week: &WeekConfig{Weekdays: []int{1, 7}}}},
		{name: "by_week weekday out of range", r: Rule{Type: TypeByWeek, Week: &WeekConfig{Weekdays: []int{8}}}, wantErr: true},
		{name: "by_week months filter rejected", r: Rule{Type: TypeByWeek, Months: []time.Month{time.March}}, wantErr: true},
		{name: "by_month both patterns", r: Rule{Type: TypeByMonth, Month: &MonthConfig{Day: 3, Week: 1, Weekday: 1}}, wantErr: true},
		{name: "by_month nth weekday", r: Rule{Type: TypeByMonth, Month: &MonthConfig{Week: 2, Weekday: 5}}},
		{name: "by_year feb 29 allowed", r: Rule{Type: TypeByYear, Year: &YearConfig{Month: time.February, Day: 29}}},
		{name: "by_year feb 30 rejected", r: Rule{Type: TypeByYear, Year: &YearConfig{Month: time.February, Day: 30}}, wantErr: true},
		{name: "by_interval missing config", r: Rule{Type: TypeByInterval}, wantErr: true},
		{name: "by_interval valid", r: Rule{Type: TypeByInterval, Interval: &IntervalConfig{Interval: 3, Unit: UnitDays, Reference: Date{Year: 2024, Month: 1, Day: 1}}}},
		{name: "by_interval zero interval", r: Rule{Type: TypeByInterval, Interval: &IntervalConfig{Interval: 0, Unit: UnitDays, Reference: Date{Year: 2024, Month: 1, Day: 1}}}, wantErr: true},
		{name: "by_interval bad unit", r: Rule{Type: TypeByInterval, Interval: &IntervalConfig{Interval: 1, Unit: "fortnights", Reference: Date{Year: 2024, Month: 1, Day: 1}}}, wantErr: true},
		{name: "specific_date empty", r: Rule{Type: TypeSpecificDate}, wantErr: true},
		{name: "specific_date valid", r: Rule{Type: TypeSpecificDate, Dates: []Date{{Year: 2024, Month: 3, Day: 1}}}},
		{name: "custom bare", r: Rule{Type: TypeCustom}},
		{name: "custom with dates", r: Rule{Type: TypeCustom, Dates: []Date{{Year: 2024, Month: 3, Day: 1}}}, wantErr: true},
		{name: "unknown type", r: Rule{Type: "lunar"}, wantErr: true},
		{name: "bad clock time", r: Rule{Type: TypeByDay, Times: []Clock{{Hour: 25}}}, wantErr: true},
		{name: "empty times allowed", r: Rule{Type: TypeByDay, Times: nil}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.r.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("error should wrap ErrInvalidConfig: %v", err)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	c, err := ParseClock("09:30")
	if err != nil {
		t.Fatalf("ParseClock: %v", err)
	}
	if c.Hour != 9 || c.Minute != 30 || c.Second != 0 {
		t.Fatalf("unexpected clock: %+v", c)
	}
	c, err = ParseClock("23:59:58")
	if err != nil {
		t.Fatalf("ParseClock: %v", err)
	}
	if c.Second != 58 {
		t.Fatalf("unexpected second: %d", c.Second)
	}
	for _, bad := range []string{"24:00", "9", "09:60", "09:00:61", ""} {
		if _, err := ParseClock(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()
	d, err := ParseDate("2024-02-29")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if d != (Date{Year: 2024, Month: time.February, Day: 29}) {
		t.Fatalf("unexpected date: %+v", d)
	}
	if _, err := ParseDate("2023-02-29"); err == nil {
		t.Fatal("expected error for Feb 29 in a non-leap year")
	}
	if d.String() != "2024-02-29" {
		t.Fatalf("unexpected String: %s", d.String())
	}
}

func TestDateArithmetic(t *testing.T) {
	t.Parallel()
	a := Date{Year: 2024, Month: time.January, Day: 1}
	b := a.AddDays(31)
	if b != (Date{Year: 2024, Month: time.February, Day: 1}) {
		t.Fatalf("AddDays: %+v", b)
	}
	if got := b.DaysSince(a); got != 31 {
		t.Fatalf("DaysSince = %d, want 31", got)
	}
	if got := a.DaysSince(b); got != -31 {
		t.Fatalf("DaysSince = %d, want -31", got)
	}
	if !a.Before(b) || b.Before(a) {
		t.Fatal("Before ordering wrong")
	}
}
