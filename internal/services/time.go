package services

import (
	"fmt"
	"time"
)

// Clock is the time service.
type Clock struct {
	now func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

var layouts = map[string]string{
	"":         time.RFC3339,
	"rfc3339":  time.RFC3339,
	"date":     time.DateOnly,
	"time":     time.TimeOnly,
	"datetime": time.DateTime,
	"kitchen":  time.Kitchen,
	"rfc1123":  time.RFC1123,
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", tz)
	}
	return loc, nil
}

// Now returns the current time in tz (UTC when empty) as RFC 3339.
func (c *Clock) Now(tz string) (string, error) {
	loc, err := location(tz)
	if err != nil {
		return "", err
	}
	return c.now().In(loc).Format(time.RFC3339), nil
}

// Format re-renders an RFC 3339 timestamp. layout is a Go reference layout
// or one of rfc3339, date, time, datetime, kitchen, rfc1123.
func (c *Clock) Format(iso, layout, tz string) (string, error) {
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return "", fmt.Errorf("invalid timestamp %q", iso)
	}
	loc, err := location(tz)
	if err != nil {
		return "", err
	}
	if named, ok := layouts[layout]; ok {
		layout = named
	}
	return t.In(loc).Format(layout), nil
}
