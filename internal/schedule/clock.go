package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Clock is a wall-clock time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

var clockPattern = regexp.MustCompile(`^(\d{1,2})[:h](\d{2})$`)

// ParseClock accepts exactly HH:MM or HHhMM. Anything around the token,
// a missing minute part or an out-of-range value is rejected.
func ParseClock(text string) (Clock, bool) {
	m := clockPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(text)))
	if m == nil {
		return Clock{}, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return Clock{}, false
	}
	return Clock{Hour: hour, Minute: minute}, true
}

// MustParseClock is for constants and tests.
func MustParseClock(text string) Clock {
	c, ok := ParseClock(text)
	if !ok {
		panic(fmt.Sprintf("schedule: invalid clock %q", text))
	}
	return c
}

// Minutes returns minutes since midnight.
func (c Clock) Minutes() int {
	return c.Hour*60 + c.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// BusinessHours is the half-open opening window [Start, End).
type BusinessHours struct {
	Start Clock
	End   Clock
}

func (b BusinessHours) Contains(t Clock) bool {
	return IsWithinBusinessHours(t, b.Start, b.End)
}

// IsWithinBusinessHours reports start <= t < end in minutes-of-day.
func IsWithinBusinessHours(t, start, end Clock) bool {
	m := t.Minutes()
	return m >= start.Minutes() && m < end.Minutes()
}
