package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philtim/tzclock/clock"
	errUtils "github.com/philtim/tzclock/errors"
)

func TestLocalCurrent(t *testing.T) {
	fixed := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	l := NewLocal(clock.NewZoneCalendar(), func() time.Time { return fixed })

	got, err := l.Current(context.Background(), "Asia/Dubai")
	require.NoError(t, err)
	assert.True(t, got.Equal(fixed))
	assert.Equal(t, "Asia/Dubai", got.Location().String())

	_, err = l.Current(context.Background(), "Invalid/Zone")
	assert.ErrorIs(t, err, errUtils.ErrInvalidTimezone)
}

func TestLocalConvert(t *testing.T) {
	l := NewLocal(nil, nil)

	got, err := l.Convert(context.Background(), ConvertRequest{
		Source: "2024-01-15T10:00",
		From:   "America/New_York",
		To:     "Asia/Tokyo",
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-16 00:00:00", got.Format(time.DateTime))

	_, err = l.Convert(context.Background(), ConvertRequest{Source: "soon", From: "UTC", To: "UTC"})
	assert.ErrorIs(t, err, errUtils.ErrValidation)

	_, err = l.Convert(context.Background(), ConvertRequest{Source: "2024-01-15T10:00", From: "UTC", To: "Nowhere"})
	assert.ErrorIs(t, err, errUtils.ErrInvalidTimezone)
}

func TestLocalHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLocal(nil, nil).Current(ctx, "UTC")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResponseInstant(t *testing.T) {
	instant := time.Date(2024, 7, 1, 8, 30, 15, 250_000_000, time.FixedZone("", 3*3600))
	resp := NewCurrentResponse("Europe/Moscow", instant)

	assert.Equal(t, "2024-07-01T08:30:15.25+03:00", resp.ISO)
	assert.Equal(t, "2024-07-01 08:30:15", resp.Time)
	got, err := resp.Instant()
	require.NoError(t, err)
	assert.True(t, got.Equal(instant))
}
