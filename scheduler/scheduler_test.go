package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philtim/tzclock/clock"
	errUtils "github.com/philtim/tzclock/errors"
)

// fakeOracle answers Current from a per-timezone function and counts calls.
type fakeOracle struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, tz string) (time.Time, error)
}

func newFakeOracle(fn func(ctx context.Context, tz string) (time.Time, error)) *fakeOracle {
	return &fakeOracle{calls: make(map[string]int), fn: fn}
}

func (f *fakeOracle) Current(ctx context.Context, tz string) (time.Time, error) {
	f.mu.Lock()
	f.calls[tz]++
	f.mu.Unlock()
	return f.fn(ctx, tz)
}

func (f *fakeOracle) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// manualClock is a local wall clock advanced by hand.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	authoritative = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	localStart    = time.Date(2031, 5, 5, 5, 5, 5, 0, time.UTC)
)

func quietLogger() *log.Logger {
	l := log.New(io.Discard)
	l.SetLevel(log.FatalLevel)
	return l
}

func newTestScheduler(f Fetcher, mc *manualClock, opts ...Option) *Scheduler {
	base := []Option{WithNow(mc.Now), WithLogger(quietLogger()), WithCalendar(clock.NewZoneCalendar())}
	return New(f, append(base, opts...)...)
}

func fixedOracle() *fakeOracle {
	return newFakeOracle(func(context.Context, string) (time.Time, error) {
		return authoritative, nil
	})
}

func TestAddCityInvalidTimezone(t *testing.T) {
	f := fixedOracle()
	s := newTestScheduler(f, &manualClock{now: localStart})

	err := s.AddCity(context.Background(), "Invalid/Zone")
	require.ErrorIs(t, err, errUtils.ErrInvalidTimezone)

	assert.Equal(t, Untracked, s.Status("Invalid/Zone"))
	_, ok := s.State("Invalid/Zone")
	assert.False(t, ok)
	assert.Empty(t, s.Tracked())
	assert.Zero(t, f.total(), "no fetch for a rejected timezone")
}

func TestAddCitySuccess(t *testing.T) {
	mc := &manualClock{now: localStart}
	s := newTestScheduler(fixedOracle(), mc)

	require.NoError(t, s.AddCity(context.Background(), "Europe/Moscow"))

	assert.Equal(t, Synced, s.Status("Europe/Moscow"))
	st, ok := s.State("Europe/Moscow")
	require.True(t, ok)
	assert.Equal(t, authoritative, st.LastInstant)
	assert.Equal(t, localStart, st.SyncedAt)

	snap, ok := s.Snapshot("Europe/Moscow")
	require.True(t, ok)
	assert.Equal(t, "15:00:00", snap.DisplayTime)
	assert.Zero(t, snap.SecondsSinceSync)
}

func TestAddCityFetchFailureLeavesNoState(t *testing.T) {
	f := newFakeOracle(func(context.Context, string) (time.Time, error) {
		return time.Time{}, &errUtils.RemoteError{Status: 503, Message: "maintenance"}
	})
	s := newTestScheduler(f, &manualClock{now: localStart})
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	err := s.AddCity(context.Background(), "Asia/Tokyo")
	require.ErrorIs(t, err, errUtils.ErrRemote)
	assert.Equal(t, "maintenance", errUtils.UserMessage(err))

	assert.Equal(t, Untracked, s.Status("Asia/Tokyo"))
	assert.Empty(t, s.Tracked())

	ev := <-events
	assert.Equal(t, EventFailure, ev.Kind)
	assert.Equal(t, "Asia/Tokyo", ev.Timezone)
	assert.ErrorIs(t, ev.Err, errUtils.ErrRemote)
}

func TestResyncAllIsolatesFailures(t *testing.T) {
	mc := &manualClock{now: localStart}
	var round atomic.Int32
	f := newFakeOracle(func(_ context.Context, tz string) (time.Time, error) {
		if round.Load() > 0 && tz == "Asia/Dubai" {
			return time.Time{}, errors.New("connection reset")
		}
		return authoritative.Add(time.Duration(round.Load()) * time.Hour), nil
	})
	s := newTestScheduler(f, mc)

	for _, r := range s.AddCities(context.Background(), []string{"Asia/Dubai", "Europe/London", "America/New_York"}) {
		require.NoError(t, r.Err, r.Timezone)
	}
	before, _ := s.State("Asia/Dubai")

	round.Store(1)
	mc.Advance(60 * time.Second)
	results := s.ResyncAll(context.Background())

	require.Len(t, results, 3)
	for _, r := range results {
		if r.Timezone == "Asia/Dubai" {
			assert.Error(t, r.Err)
		} else {
			assert.NoError(t, r.Err, r.Timezone)
		}
	}

	for _, tz := range []string{"Europe/London", "America/New_York"} {
		st, ok := s.State(tz)
		require.True(t, ok)
		assert.Equal(t, Synced, s.Status(tz))
		assert.Equal(t, authoritative.Add(time.Hour), st.LastInstant, tz)
		assert.Equal(t, mc.Now(), st.SyncedAt, tz)
	}

	after, ok := s.State("Asia/Dubai")
	require.True(t, ok)
	assert.Equal(t, Synced, s.Status("Asia/Dubai"))
	assert.Equal(t, before, after, "failed city keeps its previous state")

	snap, ok := s.Snapshot("Asia/Dubai")
	require.True(t, ok)
	assert.Equal(t, 60, snap.SecondsSinceSync)
}

func TestResyncAllNeverSyncedCityStaysWithoutState(t *testing.T) {
	mc := &manualClock{now: localStart}
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	f := newFakeOracle(func(ctx context.Context, tz string) (time.Time, error) {
		if tz == "Asia/Tokyo" {
			started <- struct{}{}
			<-release
			return time.Time{}, errors.New("timeout")
		}
		return authoritative, nil
	})
	s := newTestScheduler(f, mc)
	require.NoError(t, s.AddCity(context.Background(), "UTC"))

	done := make(chan error, 1)
	go func() { done <- s.AddCity(context.Background(), "Asia/Tokyo") }()
	<-started
	assert.Equal(t, Syncing, s.Status("Asia/Tokyo"))

	resynced := make(chan []Result, 1)
	go func() { resynced <- s.ResyncAll(context.Background()) }()
	<-started
	close(release)

	results := <-resynced
	require.Len(t, results, 2)
	require.Error(t, <-done)

	_, ok := s.State("Asia/Tokyo")
	assert.False(t, ok)
	assert.Equal(t, Untracked, s.Status("Asia/Tokyo"))
	assert.Equal(t, Synced, s.Status("UTC"))
}

func TestTickProjectsWithoutNetwork(t *testing.T) {
	mc := &manualClock{now: localStart}
	f := fixedOracle()
	s := newTestScheduler(f, mc)
	require.NoError(t, s.AddCity(context.Background(), "Europe/London"))
	calls := f.total()

	var seconds []int
	var times []string
	for i := 0; i < 5; i++ {
		mc.Advance(time.Second)
		assert.Empty(t, s.Tick(mc.Now()))
		snap, ok := s.Snapshot("Europe/London")
		require.True(t, ok)
		seconds = append(seconds, snap.SecondsSinceSync)
		times = append(times, snap.DisplayTime)
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5}, seconds)
	assert.Equal(t, []string{"12:00:01", "12:00:02", "12:00:03", "12:00:04", "12:00:05"}, times)
	assert.Equal(t, calls, f.total(), "tick must not fetch")
}

func TestTickSkipsUntrackedCities(t *testing.T) {
	mc := &manualClock{now: localStart}
	s := newTestScheduler(fixedOracle(), mc)
	require.NoError(t, s.AddCity(context.Background(), "Europe/London"))
	require.NoError(t, s.AddCity(context.Background(), "Asia/Tokyo"))

	assert.True(t, s.RemoveCity("Asia/Tokyo"))
	assert.False(t, s.RemoveCity("Asia/Tokyo"))
	s.Tick(mc.Now())

	_, ok := s.Snapshot("Asia/Tokyo")
	assert.False(t, ok)
	assert.Equal(t, []string{"Europe/London"}, s.Tracked())
	assert.Len(t, s.Snapshots(), 1)
}

// flakyCalendar fails to format one timezone.
type flakyCalendar struct {
	clock.Calendar
	broken atomic.Value
}

func (c *flakyCalendar) Format(instant time.Time, tz string, style clock.Style) (string, error) {
	if b, _ := c.broken.Load().(string); b == tz {
		return "", errors.New("formatter lost zone")
	}
	return c.Calendar.Format(instant, tz, style)
}

func TestTickProjectionFailureKeepsStaleSnapshot(t *testing.T) {
	mc := &manualClock{now: localStart}
	cal := &flakyCalendar{Calendar: clock.NewZoneCalendar()}
	s := newTestScheduler(fixedOracle(), mc, WithCalendar(cal))
	require.NoError(t, s.AddCity(context.Background(), "Asia/Tokyo"))
	require.NoError(t, s.AddCity(context.Background(), "UTC"))

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	cal.broken.Store("Asia/Tokyo")
	mc.Advance(3 * time.Second)
	failures := s.Tick(mc.Now())

	require.Len(t, failures, 1)
	assert.Equal(t, "Asia/Tokyo", failures[0].Timezone)
	assert.ErrorIs(t, failures[0].Err, errUtils.ErrProjection)
	assert.ErrorIs(t, failures[0].Err, errUtils.ErrInvalidTimezone)

	tokyo, ok := s.Snapshot("Asia/Tokyo")
	require.True(t, ok)
	assert.Zero(t, tokyo.SecondsSinceSync, "stale snapshot is kept")
	utc, _ := s.Snapshot("UTC")
	assert.Equal(t, 3, utc.SecondsSinceSync)

	ev := <-events
	assert.Equal(t, EventFailure, ev.Kind)
	ev = <-events
	assert.Equal(t, EventClocks, ev.Kind)
	assert.Len(t, ev.Clocks, 2)
}

func TestRemoveDuringAddDiscardsResult(t *testing.T) {
	mc := &manualClock{now: localStart}
	release := make(chan struct{})
	started := make(chan struct{})
	f := newFakeOracle(func(context.Context, string) (time.Time, error) {
		close(started)
		<-release
		return authoritative, nil
	})
	s := newTestScheduler(f, mc)

	done := make(chan error, 1)
	go func() { done <- s.AddCity(context.Background(), "Europe/Moscow") }()
	<-started
	s.RemoveCity("Europe/Moscow")
	close(release)

	require.ErrorIs(t, <-done, ErrDiscarded)
	assert.Equal(t, Untracked, s.Status("Europe/Moscow"))
	_, ok := s.State("Europe/Moscow")
	assert.False(t, ok)
}

func TestRemoveAndReAddDiscardsStaleFetch(t *testing.T) {
	mc := &manualClock{now: localStart}
	stale := authoritative
	fresh := authoritative.Add(2 * time.Hour)

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	f := newFakeOracle(func(context.Context, string) (time.Time, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return stale, nil
		}
		return fresh, nil
	})
	s := newTestScheduler(f, mc)

	done := make(chan error, 1)
	go func() { done <- s.AddCity(context.Background(), "Europe/Amsterdam") }()
	<-started

	s.RemoveCity("Europe/Amsterdam")
	require.NoError(t, s.AddCity(context.Background(), "Europe/Amsterdam"))
	close(release)
	require.ErrorIs(t, <-done, ErrDiscarded)

	st, ok := s.State("Europe/Amsterdam")
	require.True(t, ok)
	assert.Equal(t, fresh, st.LastInstant)
}

func TestConcurrentAddAfterFailedAddIsDiscarded(t *testing.T) {
	mc := &manualClock{now: localStart}
	var calls atomic.Int32
	firstStarted, secondStarted := make(chan struct{}), make(chan struct{})
	releaseFirst, releaseSecond := make(chan struct{}), make(chan struct{})
	f := newFakeOracle(func(context.Context, string) (time.Time, error) {
		if calls.Add(1) == 1 {
			close(firstStarted)
			<-releaseFirst
			return time.Time{}, errors.New("connection refused")
		}
		close(secondStarted)
		<-releaseSecond
		return authoritative, nil
	})
	s := newTestScheduler(f, mc)

	first, second := make(chan error, 1), make(chan error, 1)
	go func() { first <- s.AddCity(context.Background(), "Asia/Dubai") }()
	<-firstStarted
	go func() { second <- s.AddCity(context.Background(), "Asia/Dubai") }()
	<-secondStarted

	close(releaseFirst)
	require.Error(t, <-first)
	close(releaseSecond)

	// The second fetch succeeded, but its session is gone.
	require.ErrorIs(t, <-second, ErrDiscarded)
	assert.Equal(t, Untracked, s.Status("Asia/Dubai"))
}

// blockingCalendar parks the first Format call of a projection until
// released.
type blockingCalendar struct {
	clock.Calendar
	blocked atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCalendar) Format(instant time.Time, tz string, style clock.Style) (string, error) {
	if c.blocked.CompareAndSwap(false, true) {
		close(c.entered)
		<-c.release
	}
	return c.Calendar.Format(instant, tz, style)
}

func TestOverlappingTicksNeverMoveBackwards(t *testing.T) {
	mc := &manualClock{now: localStart}
	s := newTestScheduler(fixedOracle(), mc)
	require.NoError(t, s.AddCity(context.Background(), "UTC"))

	cal := &blockingCalendar{Calendar: clock.NewZoneCalendar(), entered: make(chan struct{}), release: make(chan struct{})}
	s.cal = cal

	// The earlier pass stalls inside projection.
	late := make(chan struct{})
	go func() {
		s.Tick(localStart.Add(5 * time.Second))
		close(late)
	}()
	<-cal.entered

	s.Tick(localStart.Add(6 * time.Second))
	snap, ok := s.Snapshot("UTC")
	require.True(t, ok)
	require.Equal(t, 6, snap.SecondsSinceSync)

	close(cal.release)
	<-late

	snap, ok = s.Snapshot("UTC")
	require.True(t, ok)
	assert.Equal(t, 6, snap.SecondsSinceSync)
}

func TestTickWithOlderTimeKeepsNewerSnapshot(t *testing.T) {
	mc := &manualClock{now: localStart}
	s := newTestScheduler(fixedOracle(), mc)
	require.NoError(t, s.AddCity(context.Background(), "UTC"))

	s.Tick(localStart.Add(10 * time.Second))
	s.Tick(localStart.Add(4 * time.Second))

	snap, _ := s.Snapshot("UTC")
	assert.Equal(t, 10, snap.SecondsSinceSync)

	// A fresh sync starts a new state, so the count restarts.
	mc.Advance(20 * time.Second)
	s.ResyncAll(context.Background())
	snap, _ = s.Snapshot("UTC")
	assert.Zero(t, snap.SecondsSinceSync)
}

func TestResyncRetriesPinnedCityAfterFailedFirstSync(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	f := newFakeOracle(func(context.Context, string) (time.Time, error) {
		if down.Load() {
			return time.Time{}, errors.New("connection refused")
		}
		return authoritative, nil
	})
	s := newTestScheduler(f, &manualClock{now: localStart})

	s.Pin("Europe/London")
	results := s.AddCities(context.Background(), []string{"Europe/London"})
	require.Error(t, results[0].Err)
	assert.Equal(t, Untracked, s.Status("Europe/London"))

	// Still down: retried and reported, nothing tracked.
	results = s.ResyncAll(context.Background())
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Empty(t, s.Tracked())

	down.Store(false)
	results = s.ResyncAll(context.Background())
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, Synced, s.Status("Europe/London"))
	_, ok := s.Snapshot("Europe/London")
	assert.True(t, ok)
}

func TestRemoveCityUnpins(t *testing.T) {
	f := fixedOracle()
	s := newTestScheduler(f, &manualClock{now: localStart})
	s.Pin("Asia/Tokyo")
	require.NoError(t, s.AddCity(context.Background(), "Asia/Tokyo"))

	s.RemoveCity("Asia/Tokyo")
	calls := f.total()

	assert.Empty(t, s.ResyncAll(context.Background()))
	assert.Empty(t, s.Tracked())
	assert.Equal(t, calls, f.total())
}

func TestTickAndResyncRunConcurrently(t *testing.T) {
	var n atomic.Int64
	f := newFakeOracle(func(_ context.Context, tz string) (time.Time, error) {
		return authoritative.Add(time.Duration(n.Add(1)) * time.Minute), nil
	})
	s := New(f, WithLogger(quietLogger()))
	require.NoError(t, s.AddCity(context.Background(), "UTC"))
	require.NoError(t, s.AddCity(context.Background(), "Asia/Tokyo"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.ResyncAll(context.Background())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Tick(time.Now())
			for _, pc := range s.Snapshots() {
				assert.NotEmpty(t, pc.DisplayTime)
				assert.GreaterOrEqual(t, pc.SecondsSinceSync, 0)
			}
		}
	}()
	wg.Wait()

	for _, tz := range []string{"UTC", "Asia/Tokyo"} {
		st, ok := s.State(tz)
		require.True(t, ok)
		assert.Equal(t, tz, st.Timezone)
		assert.True(t, st.LastInstant.After(authoritative))
	}
	assert.Equal(t, 102, f.total())
}

// countEvents drains events for d and returns how many arrived.
func countEvents(events <-chan Event, d time.Duration) int {
	n := 0
	deadline := time.After(d)
	for {
		select {
		case <-events:
			n++
		case <-deadline:
			return n
		}
	}
}

func TestStartTwiceKeepsOneTickJob(t *testing.T) {
	s := New(fixedOracle(), WithLogger(quietLogger()), WithIntervals(time.Second, time.Hour))
	require.NoError(t, s.AddCity(context.Background(), "UTC"))
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	assert.False(t, s.Running())
	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.Running())

	// One 1s job fires about three times in 3.5s; two would fire about six.
	n := countEvents(events, 3500*time.Millisecond)
	assert.GreaterOrEqual(t, n, 2)
	assert.LessOrEqual(t, n, 4)

	s.Stop()
	assert.False(t, s.Running())
	s.Stop()
}

func TestStopHaltsBothJobs(t *testing.T) {
	f := fixedOracle()
	s := New(f, WithLogger(quietLogger()), WithIntervals(time.Second, time.Second))
	require.NoError(t, s.AddCity(context.Background(), "UTC"))
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.Start(context.Background())
	require.Eventually(t, func() bool { return f.total() > 1 }, 3*time.Second, 10*time.Millisecond, "resync job never ran")

	s.Stop()
	countEvents(events, 10*time.Millisecond)
	fetches := f.total()

	assert.Zero(t, countEvents(events, 2500*time.Millisecond), "tick job still running")
	assert.Equal(t, fetches, f.total(), "resync job still running")
}

func TestStartStopsWithContext(t *testing.T) {
	s := New(fixedOracle(), WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	assert.Eventually(t, func() bool { return !s.Running() }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeUnsubscribeTwice(t *testing.T) {
	s := New(fixedOracle(), WithLogger(quietLogger()))
	events, unsubscribe := s.Subscribe()
	unsubscribe()
	unsubscribe()

	_, open := <-events
	assert.False(t, open)
	s.Tick(time.Now())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "untracked", Untracked.String())
	assert.Equal(t, "syncing", Syncing.String())
	assert.Equal(t, "synced", Synced.String())
}
