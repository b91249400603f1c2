// Package convert turns a local datetime typed in one timezone into the same
// instant in another, annotates the result with the hour difference between
// the two zones, and remembers recent conversions.
package convert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/philtim/tzclock/catalog"
	"github.com/philtim/tzclock/clock"
	errUtils "github.com/philtim/tzclock/errors"
	"github.com/philtim/tzclock/oracle"
)

// InputLayout is the datetime form the convert form and "now" use.
const InputLayout = "2006-01-02T15:04"

// Request is one conversion as entered by the user.
type Request struct {
	SourceText     string `yaml:"source_text" json:"source_text"`
	SourceTimezone string `yaml:"source_timezone" json:"source_timezone"`
	TargetTimezone string `yaml:"target_timezone" json:"target_timezone"`
}

// Swap exchanges source and target timezones. The datetime is kept.
func (r Request) Swap() Request {
	r.SourceTimezone, r.TargetTimezone = r.TargetTimezone, r.SourceTimezone
	return r
}

// Result is a completed conversion.
type Result struct {
	ID               string    `yaml:"id" json:"id"`
	Request          Request   `yaml:"request" json:"request"`
	SourceInstant    time.Time `yaml:"source_instant" json:"source_instant"`
	TargetInstant    time.Time `yaml:"target_instant" json:"target_instant"`
	FormattedTarget  string    `yaml:"formatted_target" json:"formatted_target"`
	OffsetAnnotation string    `yaml:"offset_annotation" json:"offset_annotation"`
	CreatedAt        time.Time `yaml:"created_at" json:"created_at"`
}

// Describe renders r on one line, e.g.
// "2024-01-15T09:00 Europe/London → Asia/Tokyo: Monday, 15 January 2024 18:00:00 JST (+9h)".
func (r Result) Describe() string {
	return fmt.Sprintf("%s %s → %s: %s (%s)",
		r.Request.SourceText, r.Request.SourceTimezone, r.Request.TargetTimezone,
		r.FormattedTarget, r.OffsetAnnotation)
}

// Option configures a Service.
type Option func(*Service)

// WithCalendar sets the calendar used for parsing and formatting.
func WithCalendar(cal clock.Calendar) Option {
	return func(s *Service) { s.cal = cal }
}

// WithHistory sets the history store. A nil store disables history.
func WithHistory(h *History) Option {
	return func(s *Service) { s.history = h }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithNow sets the local wall clock used for "now" and result timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service performs conversions against a time oracle.
type Service struct {
	oracle  oracle.Oracle
	cal     clock.Calendar
	history *History
	logger  *log.Logger
	now     func() time.Time
}

// New creates a Service with an in-memory history of DefaultHistorySize.
func New(o oracle.Oracle, opts ...Option) *Service {
	s := &Service{
		oracle:  o,
		cal:     clock.Default,
		history: NewHistory("", DefaultHistorySize),
		logger:  log.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Convert validates the input, asks the oracle for the converted instant and
// records the result in the history.
//
// Empty or unparsable text yields ErrValidation and timezones outside the
// catalog yield ErrInvalidTimezone; neither reaches the oracle. Oracle
// failures yield ErrRemote with the server message preserved.
func (s *Service) Convert(ctx context.Context, sourceText, sourceTz, targetTz string) (Result, error) {
	req := Request{
		SourceText:     strings.TrimSpace(sourceText),
		SourceTimezone: sourceTz,
		TargetTimezone: targetTz,
	}
	if req.SourceText == "" {
		return Result{}, fmt.Errorf("%w: datetime is required", errUtils.ErrValidation)
	}
	for _, tz := range []string{sourceTz, targetTz} {
		if !catalog.Supported(tz) {
			return Result{}, errUtils.InvalidTimezone(tz)
		}
	}

	source, err := s.cal.Parse(req.SourceText, sourceTz)
	if err != nil {
		return Result{}, err
	}

	target, err := s.oracle.Convert(ctx, oracle.ConvertRequest{
		Source: req.SourceText,
		From:   sourceTz,
		To:     targetTz,
	})
	if err != nil {
		s.logger.Warn("conversion failed", "from", sourceTz, "to", targetTz, "err", err)
		if ctx.Err() != nil || errors.Is(err, errUtils.ErrRemote) {
			return Result{}, fmt.Errorf("convert: %w", err)
		}
		return Result{}, fmt.Errorf("convert: %w: %w", errUtils.ErrRemote, err)
	}

	formatted, err := s.cal.Format(target, targetTz, clock.StyleFull)
	if err != nil {
		formatted = target.Format(time.RFC3339)
	}

	res := Result{
		ID:               uuid.NewString(),
		Request:          req,
		SourceInstant:    source,
		TargetInstant:    target,
		FormattedTarget:  formatted,
		OffsetAnnotation: clock.DiffHours(s.cal, sourceTz, targetTz, source, target),
		CreatedAt:        s.now(),
	}
	s.logger.Debug("converted", "id", res.ID, "from", sourceTz, "to", targetTz, "diff", res.OffsetAnnotation)

	if s.history != nil {
		s.history.Add(res)
		if err := s.history.Save(); err != nil {
			s.logger.Warn("could not save conversion history", "err", err)
		}
	}
	return res, nil
}

// NowText returns the local wall time of tz in InputLayout, for prefilling
// the datetime field.
func (s *Service) NowText(tz string) (string, error) {
	civ, err := s.cal.CivilAt(tz, s.now())
	if err != nil {
		return "", err
	}
	t := time.Date(civ.Year, civ.Month, civ.Day, civ.Hour, civ.Minute, 0, 0, time.UTC)
	return t.Format(InputLayout), nil
}

// History returns past conversions, newest first.
func (s *Service) History() []Result {
	if s.history == nil {
		return nil
	}
	return s.history.Entries()
}

// ClearHistory forgets all past conversions.
func (s *Service) ClearHistory() error {
	if s.history == nil {
		return nil
	}
	s.history.Clear()
	return s.history.Save()
}

// Apply returns the request of the history entry at index so it can be
// edited and run again.
func (s *Service) Apply(index int) (Request, bool) {
	if s.history == nil {
		return Request{}, false
	}
	r, ok := s.history.Get(index)
	if !ok {
		return Request{}, false
	}
	return r.Request, true
}
