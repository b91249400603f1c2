package clock

import (
	"strconv"
	"time"
)

// Unknown is the diff annotation used when an offset cannot be computed.
const Unknown = "unknown"

// OffsetMinutes returns the signed UTC offset of tz at instant, positive east
// of UTC.
//
// The civil fields of instant in tz are read back as if they were UTC; the
// distance between that synthetic instant and instant is the offset. It is
// evaluated at instant, so DST transitions are honoured.
func OffsetMinutes(cal Calendar, tz string, instant time.Time) (int, error) {
	civ, err := cal.CivilAt(tz, instant)
	if err != nil {
		return 0, err
	}
	synthetic := time.Date(civ.Year, civ.Month, civ.Day, civ.Hour, civ.Minute, civ.Second, 0, time.UTC)
	diff := synthetic.Sub(instant.Truncate(time.Second)).Round(time.Minute)
	return int(diff / time.Minute), nil
}

// Diff returns the offset of toTz at target minus the offset of fromTz at
// source, in hours.
func Diff(cal Calendar, fromTz, toTz string, source, target time.Time) (float64, error) {
	from, err := OffsetMinutes(cal, fromTz, source)
	if err != nil {
		return 0, err
	}
	to, err := OffsetMinutes(cal, toTz, target)
	if err != nil {
		return 0, err
	}
	return float64(to-from) / 60, nil
}

// DiffHours is Diff rendered for display, e.g. "+14h", "-3h" or "+5.5h".
// Any failure yields Unknown; the annotation never fails a conversion.
func DiffHours(cal Calendar, fromTz, toTz string, source, target time.Time) string {
	hours, err := Diff(cal, fromTz, toTz, source, target)
	if err != nil {
		return Unknown
	}
	return FormatHours(hours)
}

// FormatHours renders signed decimal hours with an explicit plus sign for
// non-negative values.
func FormatHours(hours float64) string {
	s := strconv.FormatFloat(hours, 'f', -1, 64) + "h"
	if hours >= 0 {
		return "+" + s
	}
	return s
}
