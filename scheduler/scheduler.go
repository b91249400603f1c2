// Package scheduler keeps the world clocks in step with the time oracle.
//
// Each tracked city holds the last authoritative instant fetched for its
// timezone. A coarse job re-fetches every city; a fine job projects the
// stored instants forward with locally elapsed time and publishes the result
// to subscribers. Both jobs live in one cron instance and start and stop as a
// pair.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/philtim/tzclock/catalog"
	"github.com/philtim/tzclock/clock"
	errUtils "github.com/philtim/tzclock/errors"
)

const (
	DefaultTickInterval   = time.Second
	DefaultResyncInterval = 60 * time.Second
	DefaultMaxConcurrent  = 8
)

// Fetcher returns the authoritative current instant for a timezone.
type Fetcher interface {
	Current(ctx context.Context, tz string) (time.Time, error)
}

// Status is the sync state of one city.
type Status int

const (
	Untracked Status = iota
	Syncing
	Synced
)

func (s Status) String() string {
	switch s {
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	default:
		return "untracked"
	}
}

// ErrDiscarded is returned by AddCity when the city was removed, or its
// tracking session replaced, while the first fetch was in flight.
var ErrDiscarded = errors.New("sync result discarded")

// Result is the outcome of one city in a batch operation.
type Result struct {
	Timezone string
	Err      error
}

// entry is one tracked city. gen identifies the tracking session so a fetch
// started before a remove and re-add cannot commit into the new session.
// projectedAt is the local time of the snapshot last committed for state.
type entry struct {
	gen         uint64
	state       *clock.SyncState
	projectedAt time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCalendar sets the calendar used for projection.
func WithCalendar(cal clock.Calendar) Option {
	return func(s *Scheduler) { s.cal = cal }
}

// WithNow sets the local wall clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithIntervals sets the projection and resync periods. Zero keeps the
// default.
func WithIntervals(tick, resync time.Duration) Option {
	return func(s *Scheduler) {
		if tick > 0 {
			s.tickInterval = tick
		}
		if resync > 0 {
			s.resyncInterval = resync
		}
	}
}

// WithMaxConcurrent bounds the number of simultaneous fetches in a batch.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// Scheduler owns the per-city sync state and the two periodic jobs.
type Scheduler struct {
	fetcher        Fetcher
	cal            clock.Calendar
	now            func() time.Time
	logger         *log.Logger
	tickInterval   time.Duration
	resyncInterval time.Duration
	maxConcurrent  int

	mu        sync.RWMutex
	tracked   map[string]*entry
	projected map[string]clock.ProjectedClock
	pinned    map[string]bool
	nextGen   uint64

	subMu sync.Mutex
	subs  map[string]chan Event

	runMu  sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// New creates a Scheduler fetching from f. Nothing runs until Start.
func New(f Fetcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		fetcher:        f,
		cal:            clock.Default,
		now:            time.Now,
		logger:         log.Default(),
		tickInterval:   DefaultTickInterval,
		resyncInterval: DefaultResyncInterval,
		maxConcurrent:  DefaultMaxConcurrent,
		tracked:        make(map[string]*entry),
		projected:      make(map[string]clock.ProjectedClock),
		pinned:         make(map[string]bool),
		subs:           make(map[string]chan Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddCity starts tracking tz and performs its first sync. On failure the
// city is dropped again and no state is kept; a pinned city is retried by the
// next ResyncAll. Adding a city that is already tracked re-syncs it.
func (s *Scheduler) AddCity(ctx context.Context, tz string) error {
	if !catalog.Supported(tz) {
		err := errUtils.InvalidTimezone(tz)
		s.fail(tz, err)
		return err
	}

	s.mu.Lock()
	e, ok := s.tracked[tz]
	if !ok {
		s.nextGen++
		e = &entry{gen: s.nextGen}
		s.tracked[tz] = e
	}
	gen := e.gen
	s.mu.Unlock()

	s.logger.Debug("adding city", "timezone", tz, "gen", gen)

	if err := s.sync(ctx, tz, gen); err != nil {
		s.mu.Lock()
		if cur, ok := s.tracked[tz]; ok && cur.gen == gen && cur.state == nil {
			delete(s.tracked, tz)
		}
		s.mu.Unlock()
		return err
	}

	s.Tick(s.now())
	return nil
}

// Pin marks tzs as wanted on the board. ResyncAll re-adds any pinned city
// that is not tracked, so a city whose first sync failed is retried.
func (s *Scheduler) Pin(tzs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tz := range tzs {
		s.pinned[tz] = true
	}
}

// AddCities adds every tz concurrently and reports each outcome.
func (s *Scheduler) AddCities(ctx context.Context, tzs []string) []Result {
	results := make([]Result, len(tzs))
	var g errgroup.Group
	g.SetLimit(s.maxConcurrent)
	for i, tz := range tzs {
		g.Go(func() error {
			results[i] = Result{Timezone: tz, Err: s.AddCity(ctx, tz)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RemoveCity stops tracking tz and unpins it. A fetch still in flight for it
// is discarded when it completes. It reports whether tz was tracked.
func (s *Scheduler) RemoveCity(tz string) bool {
	s.mu.Lock()
	_, ok := s.tracked[tz]
	delete(s.pinned, tz)
	delete(s.tracked, tz)
	delete(s.projected, tz)
	s.mu.Unlock()

	if ok {
		s.logger.Debug("removed city", "timezone", tz)
		s.publish(Event{Kind: EventClocks, At: s.now(), Clocks: s.Snapshots()})
	}
	return ok
}

// ResyncAll re-fetches every tracked city concurrently and re-adds pinned
// cities that are not tracked. Each city succeeds or fails on its own; a
// failed city keeps its previous state. A full projection pass runs once all
// fetches are done.
func (s *Scheduler) ResyncAll(ctx context.Context) []Result {
	type target struct {
		tz    string
		gen   uint64
		retry bool
	}

	s.mu.RLock()
	targets := make([]target, 0, len(s.tracked)+len(s.pinned))
	for tz, e := range s.tracked {
		targets = append(targets, target{tz: tz, gen: e.gen})
	}
	for tz := range s.pinned {
		if _, ok := s.tracked[tz]; !ok {
			targets = append(targets, target{tz: tz, retry: true})
		}
	}
	s.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].tz < targets[j].tz })

	results := make([]Result, len(targets))
	var g errgroup.Group
	g.SetLimit(s.maxConcurrent)
	for i, t := range targets {
		g.Go(func() error {
			var err error
			if t.retry {
				err = s.AddCity(ctx, t.tz)
			} else {
				err = s.sync(ctx, t.tz, t.gen)
			}
			if errors.Is(err, ErrDiscarded) {
				err = nil
			}
			results[i] = Result{Timezone: t.tz, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := lo.CountBy(results, func(r Result) bool { return r.Err != nil })
	s.logger.Debug("resync finished", "cities", len(results), "failed", failed)

	s.Tick(s.now())
	return results
}

// Tick projects every synced city to now and publishes the snapshots. It
// never touches the network. Cities that fail to project keep their previous
// snapshot and are reported in the returned results.
func (s *Scheduler) Tick(now time.Time) []Result {
	s.mu.RLock()
	states := make([]*clock.SyncState, 0, len(s.tracked))
	for _, e := range s.tracked {
		if e.state != nil {
			states = append(states, e.state)
		}
	}
	s.mu.RUnlock()

	var failures []Result
	for _, st := range states {
		pc, err := clock.Project(s.cal, *st, now)
		if err != nil {
			err = fmt.Errorf("%w: %w", errUtils.ErrProjection, err)
			failures = append(failures, Result{Timezone: st.Timezone, Err: err})
			s.fail(st.Timezone, err)
			continue
		}

		s.mu.Lock()
		// The city may have been removed or re-synced since states was taken,
		// and an overlapping pass with a later now may have committed first.
		if e, ok := s.tracked[st.Timezone]; ok && e.state == st && !now.Before(e.projectedAt) {
			s.projected[st.Timezone] = pc
			e.projectedAt = now
		}
		s.mu.Unlock()
	}

	s.publish(Event{Kind: EventClocks, At: now, Clocks: s.Snapshots()})
	return failures
}

// sync fetches tz and commits the result if the city is still tracked under
// gen. Results for cities removed in the meantime are dropped with
// ErrDiscarded.
func (s *Scheduler) sync(ctx context.Context, tz string, gen uint64) error {
	instant, err := s.fetcher.Current(ctx, tz)
	syncedAt := s.now()

	s.mu.Lock()
	e, ok := s.tracked[tz]
	current := ok && e.gen == gen
	if current && err == nil {
		e.state = &clock.SyncState{Timezone: tz, LastInstant: instant, SyncedAt: syncedAt}
		e.projectedAt = time.Time{}
	}
	s.mu.Unlock()

	if !current {
		s.logger.Debug("discarding sync result for untracked city", "timezone", tz, "gen", gen)
		return ErrDiscarded
	}
	if err != nil {
		err = fmt.Errorf("sync %s: %w", tz, err)
		s.fail(tz, err)
		return err
	}
	return nil
}

func (s *Scheduler) fail(tz string, err error) {
	s.logger.Warn("clock update failed", "timezone", tz, "err", err)
	s.publish(Event{Kind: EventFailure, At: s.now(), Timezone: tz, Err: err})
}

// Snapshots returns the latest projection of every tracked city, west to
// east.
func (s *Scheduler) Snapshots() []clock.ProjectedClock {
	s.mu.RLock()
	clocks := lo.Values(s.projected)
	s.mu.RUnlock()

	clock.SortByUTCOffset(clocks)
	return clocks
}

// Snapshot returns the latest projection of tz
func (s *Scheduler) Snapshot(tz string) (clock.ProjectedClock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc, ok := s.projected[tz]
	return pc, ok
}

// State returns the last committed sync state of tz
func (s *Scheduler) State(tz string) (clock.SyncState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tracked[tz]
	if !ok || e.state == nil {
		return clock.SyncState{}, false
	}
	return *e.state, true
}

// Status returns where tz is in its sync life cycle
func (s *Scheduler) Status(tz string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tracked[tz]
	switch {
	case !ok:
		return Untracked
	case e.state == nil:
		return Syncing
	default:
		return Synced
	}
}

// Tracked returns the tracked timezones in lexical order
func (s *Scheduler) Tracked() []string {
	s.mu.RLock()
	tzs := lo.Keys(s.tracked)
	s.mu.RUnlock()
	sort.Strings(tzs)
	return tzs
}

// Start runs the projection and resync jobs until Stop or until ctx is done.
// Calling Start again replaces the running pair.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.stopLocked()

	runCtx, cancel := context.WithCancel(ctx)
	logger := cron.PrintfLogger(s.logger.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}))
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(s.tickInterval), cron.FuncJob(func() {
		s.Tick(s.now())
	}))
	c.Schedule(cron.Every(s.resyncInterval), cron.FuncJob(func() {
		s.ResyncAll(runCtx)
	}))
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.logger.Info("scheduler started", "tick", s.tickInterval, "resync", s.resyncInterval)

	go func() {
		<-runCtx.Done()
		s.runMu.Lock()
		defer s.runMu.Unlock()
		if s.cron == c {
			s.stopLocked()
		}
	}()
}

// Stop halts both jobs and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.stopLocked()
}

// Running reports whether the jobs are scheduled
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cron != nil
}

func (s *Scheduler) stopLocked() {
	if s.cron == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron = nil
	s.cancel = nil
	s.logger.Info("scheduler stopped")
}
