package market

import (
	"fmt"
	"time"
)

// DefaultTimezone is the IANA zone all market timestamps live in.
const DefaultTimezone = "America/Chicago"

// LoadLocation resolves an IANA timezone name, defaulting to the market
// zone when name is empty.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

// NowIn returns the current wall-clock time in the named zone.
func NowIn(name string) (time.Time, error) {
	loc, err := LoadLocation(name)
	if err != nil {
		return time.Time{}, err
	}
	return time.Now().In(loc), nil
}

// Localize attaches a zone to a naive timestamp, reinterpreting its
// wall-clock fields in that zone.
func Localize(naive time.Time, name string) (time.Time, error) {
	loc, err := LoadLocation(name)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(
		naive.Year(), naive.Month(), naive.Day(),
		naive.Hour(), naive.Minute(), naive.Second(), naive.Nanosecond(),
		loc,
	), nil
}

// WindowStart returns the forecast window start for a target date: the
// configured local hour on that date in the market zone.
func WindowStart(targetDate time.Time, startHour int, loc *time.Location) time.Time {
	return time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), startHour, 0, 0, 0, loc)
}

// ParseDate parses a YYYY-MM-DD date string as midnight in the named zone.
func ParseDate(s, tz string) (time.Time, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD: %w", s, err)
	}
	return t, nil
}
