package clock

import (
	"errors"
	"fmt"
	"time"

	errUtils "github.com/philtim/tzclock/errors"
)

// SyncState is the last authoritative instant fetched for a timezone and the
// local time it was captured at. It is replaced as a whole on every
// successful sync and never modified in place.
type SyncState struct {
	Timezone    string
	LastInstant time.Time
	SyncedAt    time.Time
}

// ProjectedClock is a display view of a SyncState at some local time.
type ProjectedClock struct {
	Timezone         string    `json:"timezone"`
	Instant          time.Time `json:"instant"`
	DisplayTime      string    `json:"display_time"`
	DisplayDate      string    `json:"display_date"`
	UTCOffset        string    `json:"utc_offset"`
	OffsetMinutes    int       `json:"offset_minutes"`
	SecondsSinceSync int       `json:"seconds_since_sync"`
}

// Elapsed returns the whole seconds between the sync and now. A clock that
// moved backwards yields zero.
func (s SyncState) Elapsed(now time.Time) int {
	d := now.Sub(s.SyncedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// Project advances state to now using locally elapsed time only.
func Project(cal Calendar, state SyncState, now time.Time) (ProjectedClock, error) {
	elapsed := state.Elapsed(now)
	instant := state.LastInstant.Add(time.Duration(elapsed) * time.Second)

	displayTime, err := cal.Format(instant, state.Timezone, StyleTime)
	if err != nil {
		return ProjectedClock{}, projectionError(state.Timezone, err)
	}
	displayDate, err := cal.Format(instant, state.Timezone, StyleDate)
	if err != nil {
		return ProjectedClock{}, projectionError(state.Timezone, err)
	}
	offset, err := OffsetMinutes(cal, state.Timezone, instant)
	if err != nil {
		return ProjectedClock{}, projectionError(state.Timezone, err)
	}

	return ProjectedClock{
		Timezone:         state.Timezone,
		Instant:          instant,
		DisplayTime:      displayTime,
		DisplayDate:      displayDate,
		UTCOffset:        FormatUTCOffset(offset),
		OffsetMinutes:    offset,
		SecondsSinceSync: elapsed,
	}, nil
}

func projectionError(tz string, err error) error {
	if errors.Is(err, errUtils.ErrInvalidTimezone) {
		return fmt.Errorf("project %s: %w", tz, err)
	}
	return fmt.Errorf("project %s: %w: %w", tz, errUtils.ErrInvalidTimezone, err)
}
