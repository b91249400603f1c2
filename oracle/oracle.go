// Package oracle talks to the authoritative time source: the current
// instant in a timezone and the conversion of a local datetime between
// timezones.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	errUtils "github.com/philtim/tzclock/errors"
)

// Oracle is the authoritative time source consumed by the scheduler and the
// conversion service.
type Oracle interface {
	// Current returns the current instant for tz.
	Current(ctx context.Context, tz string) (time.Time, error)
	// Convert resolves req.Source in req.From and returns the same instant
	// expressed in req.To.
	Convert(ctx context.Context, req ConvertRequest) (time.Time, error)
}

// ConvertRequest is a local datetime to move from one timezone to another.
type ConvertRequest struct {
	Source string
	From   string
	To     string
}

// CurrentResponse is the body of GET /api/current/{tz}.
type CurrentResponse struct {
	Timezone string `json:"timezone"`
	ISO      string `json:"iso"`
	Time     string `json:"time"`
	Epoch    int64  `json:"epoch"`
}

// ConvertPayload is the body of POST /api/convert.
type ConvertPayload struct {
	DT   string `json:"dt"`
	From string `json:"from"`
	To   string `json:"to"`
}

// ConvertResponse is the answer to POST /api/convert.
type ConvertResponse struct {
	Input string `json:"input"`
	From  string `json:"from"`
	To    string `json:"to"`
	ISO   string `json:"iso"`
	Epoch int64  `json:"epoch"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// Instant parses the iso field.
func (r CurrentResponse) Instant() (time.Time, error) {
	return parseISO(r.ISO)
}

// Instant parses the iso field.
func (r ConvertResponse) Instant() (time.Time, error) {
	return parseISO(r.ISO)
}

// NewCurrentResponse builds the wire answer for instant in tz.
func NewCurrentResponse(tz string, instant time.Time) CurrentResponse {
	return CurrentResponse{
		Timezone: tz,
		ISO:      instant.Format(time.RFC3339Nano),
		Time:     instant.Format(time.DateTime),
		Epoch:    instant.Unix(),
	}
}

// NewConvertResponse builds the wire answer for a conversion.
func NewConvertResponse(p ConvertPayload, instant time.Time) ConvertResponse {
	return ConvertResponse{
		Input: p.DT,
		From:  p.From,
		To:    p.To,
		ISO:   instant.Format(time.RFC3339Nano),
		Epoch: instant.Unix(),
	}
}

func parseISO(iso string) (time.Time, error) {
	iso = strings.TrimSpace(iso)
	if iso == "" {
		return time.Time{}, &errUtils.RemoteError{Message: "malformed response: missing iso field"}
	}
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return time.Time{}, &errUtils.RemoteError{Message: fmt.Sprintf("malformed response: bad iso value %q", iso)}
	}
	return t, nil
}
