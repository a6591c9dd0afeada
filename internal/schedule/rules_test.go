package schedule

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDate(t *testing.T, y int, m time.Month, d int) Date {
	t.Helper()
	date, ok := NewDate(y, m, d)
	require.True(t, ok, "invalid fixture date %d-%d-%d", y, m, d)
	return date
}

func TestParseDateExpressionKeywords(t *testing.T) {
	today := mustDate(t, 2026, time.October, 15)
	tomorrow := mustDate(t, 2026, time.October, 16)

	tests := []struct {
		input string
		want  Date
	}{
		{"hoje", today},
		{"HOJE", today},
		{"  Hoje  ", today},
		{"amanhã", tomorrow},
		{"Amanhã", tomorrow},
		{"amanha", tomorrow},
		{"AMANHA", tomorrow},
		{"pode ser amanhã?", tomorrow},
		{"hoje 28/11", today},
		{"amanha 28/11", tomorrow},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseDateExpression(tt.input, today)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDateExpressionDayMonth(t *testing.T) {
	today := mustDate(t, 2026, time.October, 15)

	tests := []struct {
		name  string
		input string
		want  Date
		ok    bool
	}{
		{"later this year", "28/11", mustDate(t, 2026, time.November, 28), true},
		{"single digits", "5/12", mustDate(t, 2026, time.December, 5), true},
		{"today numeric", "15/10", today, true},
		{"yesterday rolls over", "14/10", mustDate(t, 2027, time.October, 14), true},
		{"january rolls over", "01/01", mustDate(t, 2027, time.January, 1), true},
		{"invalid february", "31/02", Date{}, false},
		{"leap day missing this year", "29/02", Date{}, false},
		{"month out of range", "10/13", Date{}, false},
		{"day zero", "00/10", Date{}, false},
		{"with year", "28/11/2026", Date{}, false},
		{"garbage", "semana que vem", Date{}, false},
		{"empty", "", Date{}, false},
		{"trailing text", "28/11 às 10h", Date{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDateExpression(tt.input, today)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDateExpressionRollsEveryPastDay(t *testing.T) {
	today := mustDate(t, 2026, time.October, 15)
	for d := mustDate(t, 2026, time.January, 1); d.Before(today); d = d.AddDays(1) {
		if d.Month == time.February && d.Day == 29 {
			continue
		}
		input := FormatForDisplay(d)[:5]
		got, ok := ParseDateExpression(input, today)
		require.True(t, ok, input)
		assert.Equal(t, today.Year+1, got.Year, input)
		assert.Equal(t, d.Month, got.Month, input)
		assert.Equal(t, d.Day, got.Day, input)
	}
}

func TestParseDateExpressionLeapDayRollover(t *testing.T) {
	today := mustDate(t, 2028, time.March, 1)
	_, ok := ParseDateExpression("29/02", today)
	assert.False(t, ok, "29/02/2029 does not exist")

	today = mustDate(t, 2028, time.February, 10)
	got, ok := ParseDateExpression("29/02", today)
	require.True(t, ok)
	assert.Equal(t, mustDate(t, 2028, time.February, 29), got)
}

func TestFormatForDisplayRoundTrip(t *testing.T) {
	today := DateOf(time.Date(2026, time.March, 7, 23, 30, 0, 0, time.UTC), time.UTC)
	got, ok := ParseDateExpression("hoje", today)
	require.True(t, ok)
	assert.Equal(t, "07/03/2026", FormatForDisplay(got))
}

func TestDateOfUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	// 01:30 UTC is still the previous evening in São Paulo.
	instant := time.Date(2026, time.October, 16, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, mustDate(t, 2026, time.October, 15), DateOf(instant, loc))
}

func TestIsOpenDay(t *testing.T) {
	closed := NewWeekdays(time.Sunday, time.Monday)
	// 2026-10-11 is a Sunday.
	start := mustDate(t, 2026, time.October, 11)
	for i := 0; i < 14; i++ {
		d := start.AddDays(i)
		want := d.Weekday() != time.Sunday && d.Weekday() != time.Monday
		assert.Equal(t, want, IsOpenDay(d, closed), d.ISO())
	}

	assert.True(t, IsOpenDay(start, 0), "no closed days")
}

func TestParseWeekdays(t *testing.T) {
	w, err := ParseWeekdays("0, 6")
	require.NoError(t, err)
	assert.True(t, w.Contains(time.Sunday))
	assert.True(t, w.Contains(time.Saturday))
	assert.False(t, w.Contains(time.Wednesday))
	assert.Equal(t, "0,6", w.String())

	w, err = ParseWeekdays("")
	require.NoError(t, err)
	assert.Equal(t, Weekdays(0), w)

	_, err = ParseWeekdays("7")
	assert.Error(t, err)
	_, err = ParseWeekdays("sun")
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		input string
		want  Clock
		ok    bool
	}{
		{"14:00", Clock{14, 0}, true},
		{"15h30", Clock{15, 30}, true},
		{"15H30", Clock{15, 30}, true},
		{"9:05", Clock{9, 5}, true},
		{"00:00", Clock{0, 0}, true},
		{"23:59", Clock{23, 59}, true},
		{" 10:00 ", Clock{10, 0}, true},
		{"25:00", Clock{}, false},
		{"24:00", Clock{}, false},
		{"12:60", Clock{}, false},
		{"15h", Clock{}, false},
		{"14", Clock{}, false},
		{"14:0", Clock{}, false},
		{"às 14:00", Clock{}, false},
		{"14:00h", Clock{}, false},
		{"123:00", Clock{}, false},
		{"", Clock{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseClock(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsWithinBusinessHoursHalfOpen(t *testing.T) {
	start := MustParseClock("09:00")
	end := MustParseClock("18:00")

	for m := 0; m < 24*60; m++ {
		c := Clock{Hour: m / 60, Minute: m % 60}
		want := m >= start.Minutes() && m < end.Minutes()
		assert.Equal(t, want, IsWithinBusinessHours(c, start, end), c.String())
	}
	assert.True(t, IsWithinBusinessHours(start, start, end))
	assert.False(t, IsWithinBusinessHours(end, start, end))
	assert.True(t, BusinessHours{Start: start, End: end}.Contains(MustParseClock("17:59")))
}

func TestToAbsoluteIntervalFollowsZoneRules(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// DST starts on 2026-03-08 in New York.
	before := mustDate(t, 2026, time.March, 7)
	after := mustDate(t, 2026, time.March, 9)
	at := MustParseClock("09:00")

	start, end := ToAbsoluteInterval(before, at, loc, time.Hour)
	_, offset := start.Zone()
	assert.Equal(t, -5*3600, offset)
	assert.Equal(t, time.Hour, end.Sub(start))
	assert.Equal(t, "2026-03-07T14:00:00Z", start.UTC().Format(time.RFC3339))

	start, end = ToAbsoluteInterval(after, at, loc, 45*time.Minute)
	_, offset = start.Zone()
	assert.Equal(t, -4*3600, offset)
	assert.Equal(t, 45*time.Minute, end.Sub(start))
	assert.Equal(t, "2026-03-09T13:00:00Z", start.UTC().Format(time.RFC3339))
}

func TestToAbsoluteIntervalSaoPaulo(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	start, end := ToAbsoluteInterval(mustDate(t, 2026, time.November, 28), MustParseClock("14:00"), loc, time.Hour)
	assert.Equal(t, "2026-11-28T14:00:00-03:00", start.Format(time.RFC3339))
	assert.Equal(t, "2026-11-28T15:00:00-03:00", end.Format(time.RFC3339))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ola, bom dia", Normalize("  Olá,   BOM dia "))
	assert.Equal(t, "horario", Normalize("Horário"))
}
