package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"

	errUtils "github.com/philtim/tzclock/errors"
)

// Civil holds the calendar and clock fields observed in a timezone.
type Civil struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
	Second int
}

// Style selects a display layout for Calendar.Format.
type Style int

const (
	StyleTime Style = iota
	StyleDate
	StyleFull
)

// inputLayouts are the accepted local datetime forms. A single space may
// stand in for the T separator.
var inputLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

var layouts = map[Style]string{
	StyleTime: "15:04:05",
	StyleDate: "Monday, 2 January 2006",
	StyleFull: "Monday, 2 January 2006 15:04:05 MST",
}

// Calendar answers civil time questions for IANA timezones. The offset and
// projection code treats it as an oracle and never does zone arithmetic
// itself.
type Calendar interface {
	CivilAt(tz string, instant time.Time) (Civil, error)
	Format(instant time.Time, tz string, style Style) (string, error)
	// Parse resolves a local datetime typed by the user to an instant in tz.
	// Folds and gaps resolve the way time.Date resolves them.
	Parse(text, tz string) (time.Time, error)
}

// ZoneCalendar is the Calendar backed by the time package's tz database.
// Loaded locations are cached.
type ZoneCalendar struct {
	mu   sync.RWMutex
	locs map[string]*time.Location
}

// Default is the process wide calendar.
var Default = NewZoneCalendar()

// NewZoneCalendar creates an empty ZoneCalendar
func NewZoneCalendar() *ZoneCalendar {
	return &ZoneCalendar{locs: make(map[string]*time.Location)}
}

// Location loads and caches the location for tz
func (c *ZoneCalendar) Location(tz string) (*time.Location, error) {
	c.mu.RLock()
	loc, ok := c.locs[tz]
	c.mu.RUnlock()
	if ok {
		return loc, nil
	}

	// LoadLocation maps "" to UTC and "Local" to the host zone; neither is an
	// IANA identifier.
	if tz == "" || tz == "Local" {
		return nil, errUtils.InvalidTimezone(tz)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", errUtils.ErrInvalidTimezone, tz, err)
	}

	c.mu.Lock()
	c.locs[tz] = loc
	c.mu.Unlock()
	return loc, nil
}

// CivilAt returns the civil fields of instant as observed in tz
func (c *ZoneCalendar) CivilAt(tz string, instant time.Time) (Civil, error) {
	loc, err := c.Location(tz)
	if err != nil {
		return Civil{}, err
	}
	t := instant.In(loc)
	return Civil{
		Year:   t.Year(),
		Month:  t.Month(),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}, nil
}

// Format renders instant in tz using the given style
func (c *ZoneCalendar) Format(instant time.Time, tz string, style Style) (string, error) {
	loc, err := c.Location(tz)
	if err != nil {
		return "", err
	}
	layout, ok := layouts[style]
	if !ok {
		return "", fmt.Errorf("unknown format style %d", style)
	}
	return instant.In(loc).Format(layout), nil
}

// Parse resolves text, a local datetime in tz, to an instant. Text carrying
// its own UTC offset (RFC 3339) is accepted and moved into tz.
func (c *ZoneCalendar) Parse(text, tz string) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("%w: datetime is empty", errUtils.ErrValidation)
	}
	loc, err := c.Location(tz)
	if err != nil {
		return time.Time{}, err
	}

	normalized := strings.Replace(text, " ", "T", 1)
	if t, err := time.Parse(time.RFC3339Nano, normalized); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range inputLayouts {
		if t, err := time.ParseInLocation(layout, normalized, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q as a local datetime", errUtils.ErrValidation, text)
}
