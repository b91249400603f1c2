package oracle

import (
	"context"
	"time"

	"github.com/philtim/tzclock/clock"
)

// Local answers oracle calls in process from the host clock and tz database.
// It backs the HTTP server and offline mode.
type Local struct {
	cal *clock.ZoneCalendar
	now func() time.Time
}

// NewLocal creates a Local oracle. A nil now uses time.Now.
func NewLocal(cal *clock.ZoneCalendar, now func() time.Time) *Local {
	if cal == nil {
		cal = clock.Default
	}
	if now == nil {
		now = time.Now
	}
	return &Local{cal: cal, now: now}
}

// Current returns the host's current instant in tz
func (l *Local) Current(ctx context.Context, tz string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	loc, err := l.cal.Location(tz)
	if err != nil {
		return time.Time{}, err
	}
	return l.now().In(loc), nil
}

// Convert parses req.Source in req.From and expresses it in req.To
func (l *Local) Convert(ctx context.Context, req ConvertRequest) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	source, err := l.cal.Parse(req.Source, req.From)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := l.cal.Location(req.To)
	if err != nil {
		return time.Time{}, err
	}
	return source.In(loc), nil
}
