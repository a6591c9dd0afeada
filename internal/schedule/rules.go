// Package schedule holds the shop's calendar rules: the small date grammar
// customers can type, opening days and hours, and the conversion from a
// civil date and time to absolute instants in the shop timezone.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	keywordToday    = "hoje"
	keywordTomorrow = "amanha"
)

var dayMonthPattern = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})$`)

// Normalize lower-cases text, strips diacritics and collapses whitespace so
// "  Amanhã " and "amanha" compare equal.
func Normalize(text string) string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, text)
	if err != nil {
		folded = text
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// Words splits normalized text on anything that is not a letter or digit.
func Words(normalized string) []string {
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ParseDateExpression understands "hoje", "amanhã" and DD/MM. A DD/MM that
// falls before today is taken to mean next year. Keywords win over the
// numeric form when both are present.
func ParseDateExpression(text string, today Date) (Date, bool) {
	normalized := Normalize(text)
	for _, word := range Words(normalized) {
		switch word {
		case keywordToday:
			return today, true
		case keywordTomorrow:
			return today.AddDays(1), true
		}
	}

	m := dayMonthPattern.FindStringSubmatch(normalized)
	if m == nil {
		return Date{}, false
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])

	d, ok := NewDate(today.Year, time.Month(month), day)
	if !ok {
		return Date{}, false
	}
	if d.Before(today) {
		// 29/02 may not exist next year.
		if d, ok = NewDate(today.Year+1, time.Month(month), day); !ok {
			return Date{}, false
		}
	}
	if d.Before(today) {
		return Date{}, false
	}
	return d, true
}

// Weekdays is a set of days of the week, bit i set for time.Weekday(i).
type Weekdays uint8

func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		if d >= time.Sunday && d <= time.Saturday {
			w |= 1 << uint(d)
		}
	}
	return w
}

// ParseWeekdays reads a comma separated list of 0..6 (0 = Sunday).
func ParseWeekdays(raw string) (Weekdays, error) {
	var w Weekdays
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			return 0, fmt.Errorf("invalid weekday %q: want 0..6", part)
		}
		w |= 1 << uint(n)
	}
	return w, nil
}

func (w Weekdays) Contains(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

func (w Weekdays) String() string {
	var parts []string
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Contains(d) {
			parts = append(parts, strconv.Itoa(int(d)))
		}
	}
	return strings.Join(parts, ",")
}

// IsOpenDay reports whether the shop opens on d. There is no holiday calendar.
func IsOpenDay(d Date, closed Weekdays) bool {
	return !closed.Contains(d.Weekday())
}

// ToAbsoluteInterval reads date and t as wall-clock time in loc and returns
// the slot boundaries. Offsets come from the zone database, so DST shifts
// are honoured.
func ToAbsoluteInterval(d Date, t Clock, loc *time.Location, duration time.Duration) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(d.Year, d.Month, d.Day, t.Hour, t.Minute, 0, 0, loc)
	return start, start.Add(duration)
}
