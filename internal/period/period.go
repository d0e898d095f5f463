// Package period maps instants onto monthly usage periods.
//
// Periods follow the calendar of an IANA zone, America/New_York by default,
// so daylight saving transitions are handled by the tz database rather than
// a fixed UTC offset.
package period

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	DefaultZone = "America/New_York"
	keyLayout   = "2006-01"
)

// Calendar converts instants to period keys in a single zone.
type Calendar struct {
	loc *time.Location
}

var defaultCalendar = MustCalendar(DefaultZone)

func NewCalendar(zone string) (Calendar, error) {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		zone = DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Calendar{}, fmt.Errorf("load period zone %q: %w", zone, err)
	}
	return Calendar{loc: loc}, nil
}

func MustCalendar(zone string) Calendar {
	cal, err := NewCalendar(zone)
	if err != nil {
		panic(err)
	}
	return cal
}

func (c Calendar) location() *time.Location {
	if c.loc == nil {
		return defaultCalendar.loc
	}
	return c.loc
}

// Zone returns the IANA name of the calendar's zone.
func (c Calendar) Zone() string {
	return c.location().String()
}

// Key returns the YYYY-MM period containing t.
func (c Calendar) Key(t time.Time) string {
	return t.In(c.location()).Format(keyLayout)
}

// NextReset returns the first instant of the month following t, in UTC.
func (c Calendar) NextReset(t time.Time) time.Time {
	local := t.In(c.location())
	first := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, c.location())
	return first.AddDate(0, 1, 0).UTC()
}

// Start returns the first instant of the period containing t, in UTC.
func (c Calendar) Start(t time.Time) time.Time {
	local := t.In(c.location())
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, c.location()).UTC()
}

func Key(t time.Time) string { return defaultCalendar.Key(t) }

func NextReset(t time.Time) time.Time { return defaultCalendar.NextReset(t) }
