package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/samber/lo"

	"github.com/philtim/tzclock/catalog"
	"github.com/philtim/tzclock/clock"
	"github.com/philtim/tzclock/config"
	"github.com/philtim/tzclock/convert"
	errUtils "github.com/philtim/tzclock/errors"
	"github.com/philtim/tzclock/scheduler"
)

// viewState represents the current view state
type viewState int

const (
	viewMain viewState = iota
	viewAdd
	viewDelete
	viewConfirm
	viewConvert
	viewHistory
)

// noticeTTL is how long a notice stays in the command bar.
const noticeTTL = 3500 * time.Millisecond

const maxSearchResults = 10

// Convert form fields
const (
	focusDatetime = iota
	focusFrom
	focusTo
	focusCount
)

// apiStatus is the last known availability of the time server
type apiStatus int

const (
	apiChecking apiStatus = iota
	apiOnline
	apiUnreachable
	apiLocal
)

// schedulerEventMsg wraps an event published by the scheduler
type schedulerEventMsg scheduler.Event

// citiesSyncedMsg is sent when a batch sync or a manual refresh finished
type citiesSyncedMsg struct {
	results []scheduler.Result
	initial bool
}

// cityAddedMsg is sent when the first sync of a picked city finished
type cityAddedMsg struct {
	city catalog.City
	err  error
}

// pingMsg carries the result of a time server availability check
type pingMsg struct{ err error }

// convertDoneMsg carries the result of a conversion
type convertDoneMsg struct {
	res convert.Result
	err error
}

// noticeExpiredMsg clears the notice it was issued for
type noticeExpiredMsg struct{ id int }

// model represents the application state
type model struct {
	// Core data
	app    *app
	ctx    context.Context
	events <-chan scheduler.Event
	clocks []clock.ProjectedClock

	// View state
	state    viewState
	viewport viewport.Model
	ready    bool
	width    int
	height   int
	quitting bool

	// Activity
	spinner spinner.Model
	api     apiStatus
	apiErr  error
	pending int

	// Notice shown in the command bar
	notice      string
	noticeIsErr bool
	noticeID    int

	// Add mode state
	searchInput    textinput.Model
	searchResults  []catalog.City
	selectedResult int

	// Delete mode state
	deleteList     []config.City
	deleteSelected map[int]bool
	deleteCursor   int

	// Confirm mode state
	confirmMsg    string
	confirmAction func(*model) tea.Cmd
	confirmReturn viewState

	// Convert mode state
	datetimeInput textinput.Model
	fromIdx       int
	toIdx         int
	convertFocus  int
	lastResult    *convert.Result
	convertErr    string

	// History mode state
	history       []convert.Result
	historyCursor int
}

func newModel(ctx context.Context, a *app, events <-chan scheduler.Event) model {
	search := textinput.New()
	search.Placeholder = "Search city..."
	search.CharLimit = 50
	search.Width = 50

	dt := textinput.New()
	dt.Placeholder = convert.InputLayout
	dt.CharLimit = 35
	dt.Width = 35

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := model{
		app:            a,
		ctx:            ctx,
		events:         events,
		state:          viewMain,
		spinner:        sp,
		api:            apiChecking,
		searchInput:    search,
		datetimeInput:  dt,
		deleteSelected: make(map[int]bool),
		toIdx:          lo.IndexOf(catalog.Timezones, "Asia/Tokyo"),
		history:        a.converter.History(),
	}
	if a.pinger() == nil {
		m.api = apiLocal
	}
	return m
}

// Init starts the first sync of the configured cities and the API check
func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.spinner.Tick,
		waitForEvent(m.events),
		syncCitiesCmd(m.ctx, m.app),
	}
	if p := m.app.pinger(); p != nil {
		cmds = append(cmds, pingCmd(m.ctx, p))
	}
	return tea.Batch(cmds...)
}

// Update handles messages and updates the model
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd
	forward := true

	switch msg := msg.(type) {
	case tea.KeyMsg:
		var handled bool
		cmd, handled = m.handleKeyPress(msg)
		if cmd != nil {
			cmds = append(cmds, cmd)
		}
		forward = !handled

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		if !m.ready {
			// Reserve space for command bar (1 newline + 1 bar line)
			m.viewport = viewport.New(msg.Width, msg.Height-2)
			m.viewport.YPosition = 0
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 2
		}

	case spinner.TickMsg:
		// The spinner only animates while something is in flight
		if m.busy() {
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)

	case schedulerEventMsg:
		ev := scheduler.Event(msg)
		switch ev.Kind {
		case scheduler.EventClocks:
			m.clocks = ev.Clocks
		case scheduler.EventFailure:
			cmds = append(cmds, m.setNotice(fmt.Sprintf("%s: %s", m.app.cityName(ev.Timezone), errUtils.UserMessage(ev.Err)), true))
		}
		cmds = append(cmds, waitForEvent(m.events))

	case citiesSyncedMsg:
		m.done()
		if !msg.initial {
			failed := lo.CountBy(msg.results, func(r scheduler.Result) bool { return r.Err != nil })
			if failed == 0 {
				cmds = append(cmds, m.setNotice(fmt.Sprintf("Refreshed %d cities", len(msg.results)), false))
			} else {
				cmds = append(cmds, m.setNotice(fmt.Sprintf("%d of %d cities failed to refresh", failed, len(msg.results)), true))
			}
		}

	case cityAddedMsg:
		m.done()
		// Fetch failures were already reported by the scheduler
		switch {
		case msg.err == nil:
			cmds = append(cmds, m.addCityToConfig(msg.city))
		case errors.Is(msg.err, scheduler.ErrDiscarded):
			cmds = append(cmds, m.setNotice(fmt.Sprintf("%s was not added", msg.city.Name), true))
		}

	case pingMsg:
		m.apiErr = msg.err
		if msg.err != nil {
			m.api = apiUnreachable
		} else {
			m.api = apiOnline
		}

	case convertDoneMsg:
		m.done()
		if msg.err != nil {
			m.convertErr = errUtils.UserMessage(msg.err)
			cmds = append(cmds, m.setNotice(m.convertErr, true))
		} else {
			m.convertErr = ""
			m.lastResult = &msg.res
			m.history = m.app.converter.History()
			cmds = append(cmds, m.setNotice("Converted", false))
		}

	case noticeExpiredMsg:
		if msg.id == m.noticeID {
			m.notice = ""
		}
	}

	// Update sub-components based on state
	if forward {
		switch m.state {
		case viewAdd:
			m.searchInput, cmd = m.searchInput.Update(msg)
			cmds = append(cmds, cmd)
			m.searchResults = catalog.Search(m.searchInput.Value(), maxSearchResults)
			if m.selectedResult >= len(m.searchResults) {
				m.selectedResult = 0
			}
		case viewConvert:
			if m.convertFocus == focusDatetime {
				m.datetimeInput, cmd = m.datetimeInput.Update(msg)
				cmds = append(cmds, cmd)
			}
		case viewMain:
			m.viewport, cmd = m.viewport.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// handleKeyPress handles keyboard input based on current view state. It
// reports whether the key was consumed.
func (m *model) handleKeyPress(msg tea.KeyMsg) (tea.Cmd, bool) {
	if msg.String() == "ctrl+c" {
		m.quitting = true
		return tea.Quit, true
	}

	switch m.state {
	case viewMain:
		return m.handleMainKeys(msg)
	case viewAdd:
		return m.handleAddKeys(msg)
	case viewDelete:
		return m.handleDeleteKeys(msg)
	case viewConfirm:
		return m.handleConfirmKeys(msg)
	case viewConvert:
		return m.handleConvertKeys(msg)
	case viewHistory:
		return m.handleHistoryKeys(msg)
	}
	return nil, false
}

// handleMainKeys handles keys in main view
func (m *model) handleMainKeys(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "q":
		m.quitting = true
		return tea.Quit, true

	case "a":
		// Enter add mode
		m.state = viewAdd
		m.searchInput.Reset()
		m.searchResults = catalog.Search("", maxSearchResults)
		m.selectedResult = 0
		m.searchInput.Focus()
		return textinput.Blink, true

	case "d":
		// Enter delete mode
		if len(m.app.cfg.Cities) == 0 {
			return m.setNotice("No cities to delete", true), true
		}
		m.state = viewDelete
		m.deleteList = append([]config.City(nil), m.app.cfg.Cities...)
		m.deleteSelected = make(map[int]bool)
		m.deleteCursor = 0
		return nil, true

	case "c":
		return m.enterConvert(), true

	case "h":
		m.state = viewHistory
		m.history = m.app.converter.History()
		m.historyCursor = 0
		return nil, true

	case "r":
		// Manual refresh of every city plus an API check
		cmds := []tea.Cmd{m.begin(), resyncCmd(m.ctx, m.app)}
		cmds = append(cmds, m.checkAPI())
		return tea.Batch(cmds...), true
	}

	return nil, false
}

// handleAddKeys handles keys in add view
func (m *model) handleAddKeys(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "esc":
		// Cancel and return to main
		m.state = viewMain
		return nil, true

	case "up":
		if m.selectedResult > 0 {
			m.selectedResult--
		}
		return nil, true

	case "down":
		if m.selectedResult < len(m.searchResults)-1 {
			m.selectedResult++
		}
		return nil, true

	case "enter":
		// Add selected city
		if len(m.searchResults) == 0 || m.selectedResult >= len(m.searchResults) {
			return nil, true
		}
		city := m.searchResults[m.selectedResult]
		if m.app.cfg.HasTimezone(city.Timezone) {
			return m.setNotice(fmt.Sprintf("%s is already on the board", city.Name), true), true
		}
		m.state = viewMain
		return tea.Batch(m.begin(), addCityCmd(m.ctx, m.app, city)), true
	}

	return nil, false
}

// handleDeleteKeys handles keys in delete view
func (m *model) handleDeleteKeys(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "esc":
		// Cancel and return to main
		m.state = viewMain

	case "up":
		if m.deleteCursor > 0 {
			m.deleteCursor--
		}

	case "down":
		if m.deleteCursor < len(m.deleteList)-1 {
			m.deleteCursor++
		}

	case " ":
		// Toggle selection
		m.deleteSelected[m.deleteCursor] = !m.deleteSelected[m.deleteCursor]

	case "enter":
		// Collect selected cities
		var toDelete []config.City
		for idx := range m.deleteList {
			if m.deleteSelected[idx] {
				toDelete = append(toDelete, m.deleteList[idx])
			}
		}
		if len(toDelete) == 0 {
			return m.setNotice("No cities selected", true), true
		}

		// Set up confirmation
		if len(toDelete) == 1 {
			m.confirmMsg = fmt.Sprintf("Delete '%s'? (y/n)", toDelete[0].Name)
		} else {
			m.confirmMsg = fmt.Sprintf("Delete %d selected cities? (y/n)", len(toDelete))
		}
		m.confirmReturn = viewMain
		m.confirmAction = func(m *model) tea.Cmd { return m.deleteCities(toDelete) }
		m.state = viewConfirm

	default:
		return nil, false
	}

	return nil, true
}

// handleConfirmKeys handles keys in confirm view
func (m *model) handleConfirmKeys(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "y":
		m.state = m.confirmReturn
		return m.confirmAction(m), true

	case "n", "esc":
		// Cancel and return
		m.state = m.confirmReturn
		return nil, true
	}

	return nil, true
}

// handleConvertKeys handles keys in convert view
func (m *model) handleConvertKeys(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "esc":
		m.datetimeInput.Blur()
		m.state = viewMain

	case "tab", "shift+tab":
		step := 1
		if msg.String() == "shift+tab" {
			step = focusCount - 1
		}
		m.convertFocus = (m.convertFocus + step) % focusCount
		if m.convertFocus == focusDatetime {
			return m.datetimeInput.Focus(), true
		}
		m.datetimeInput.Blur()

	case "left", "right":
		if m.convertFocus == focusDatetime {
			return nil, false
		}
		step := 1
		if msg.String() == "left" {
			step = -1
		}
		if m.convertFocus == focusFrom {
			m.fromIdx = cycleIndex(m.fromIdx, step, len(catalog.Timezones))
		} else {
			m.toIdx = cycleIndex(m.toIdx, step, len(catalog.Timezones))
		}

	case "ctrl+n":
		// Now: local wall time of the source timezone
		text, err := m.app.converter.NowText(m.fromTz())
		if err != nil {
			return m.setNotice(errUtils.UserMessage(err), true), true
		}
		m.datetimeInput.SetValue(text)
		m.datetimeInput.CursorEnd()

	case "ctrl+s":
		m.swap()

	case "ctrl+l":
		m.clearConvert()

	case "enter":
		return tea.Batch(m.begin(), convertCmd(m.ctx, m.app, m.datetimeInput.Value(), m.fromTz(), m.toTz())), true

	default:
		return nil, false
	}

	return nil, true
}

// handleHistoryKeys handles keys in history view
func (m *model) handleHistoryKeys(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "esc", "q":
		m.state = viewMain

	case "up":
		if m.historyCursor > 0 {
			m.historyCursor--
		}

	case "down":
		if m.historyCursor < len(m.history)-1 {
			m.historyCursor++
		}

	case "enter":
		// Re-open the conversion in the convert form
		req, ok := m.app.converter.Apply(m.historyCursor)
		if !ok {
			return nil, true
		}
		cmd := m.enterConvert()
		m.applyRequest(req)
		return cmd, true

	case "x":
		if len(m.history) == 0 {
			return nil, true
		}
		m.confirmMsg = fmt.Sprintf("Clear %d saved conversions? (y/n)", len(m.history))
		m.confirmReturn = viewHistory
		m.confirmAction = (*model).clearHistory
		m.state = viewConfirm

	default:
		return nil, false
	}

	return nil, true
}

func (m *model) enterConvert() tea.Cmd {
	m.state = viewConvert
	m.convertFocus = focusDatetime
	return m.datetimeInput.Focus()
}

func (m *model) fromTz() string { return catalog.Timezones[m.fromIdx] }
func (m *model) toTz() string   { return catalog.Timezones[m.toIdx] }

func (m *model) swap() {
	req := convert.Request{
		SourceText:     m.datetimeInput.Value(),
		SourceTimezone: m.fromTz(),
		TargetTimezone: m.toTz(),
	}.Swap()
	m.applyRequest(req)
}

func (m *model) applyRequest(req convert.Request) {
	m.datetimeInput.SetValue(req.SourceText)
	m.datetimeInput.CursorEnd()
	if i := lo.IndexOf(catalog.Timezones, req.SourceTimezone); i >= 0 {
		m.fromIdx = i
	}
	if i := lo.IndexOf(catalog.Timezones, req.TargetTimezone); i >= 0 {
		m.toIdx = i
	}
}

func (m *model) clearConvert() {
	m.datetimeInput.Reset()
	m.lastResult = nil
	m.convertErr = ""
}

func (m *model) clearHistory() tea.Cmd {
	if err := m.app.converter.ClearHistory(); err != nil {
		return m.setNotice(fmt.Sprintf("Could not clear history: %v", err), true)
	}
	m.history = nil
	m.historyCursor = 0
	return m.setNotice("History cleared", false)
}

func (m *model) addCityToConfig(city catalog.City) tea.Cmd {
	if err := m.app.cfg.AddCity(city.Name, city.Timezone); err != nil {
		return m.setNotice(err.Error(), true)
	}
	m.app.scheduler.Pin(city.Timezone)
	if err := m.app.saveConfig(); err != nil {
		return m.setNotice(fmt.Sprintf("Could not save config: %v", err), true)
	}
	return m.setNotice(fmt.Sprintf("Added %s", city.Name), false)
}

func (m *model) deleteCities(cities []config.City) tea.Cmd {
	tzs := lo.Map(cities, func(c config.City, _ int) string { return c.Timezone })
	for _, tz := range tzs {
		m.app.scheduler.RemoveCity(tz)
	}
	m.app.cfg.DeleteCities(tzs)
	if err := m.app.saveConfig(); err != nil {
		return m.setNotice(fmt.Sprintf("Could not save config: %v", err), true)
	}
	if len(cities) == 1 {
		return m.setNotice(fmt.Sprintf("Deleted %s", cities[0].Name), false)
	}
	return m.setNotice(fmt.Sprintf("Deleted %d cities", len(cities)), false)
}

// setNotice shows text in the command bar until noticeTTL passes or a newer
// notice replaces it.
func (m *model) setNotice(text string, isErr bool) tea.Cmd {
	m.noticeID++
	m.notice = text
	m.noticeIsErr = isErr
	id := m.noticeID
	return tea.Tick(noticeTTL, func(time.Time) tea.Msg {
		return noticeExpiredMsg{id: id}
	})
}

func (m *model) busy() bool {
	return m.pending > 0 || m.api == apiChecking
}

// begin records an operation in flight and restarts the spinner if it was
// idle.
func (m *model) begin() tea.Cmd {
	wasBusy := m.busy()
	m.pending++
	if !wasBusy {
		return m.spinner.Tick
	}
	return nil
}

func (m *model) done() {
	if m.pending > 0 {
		m.pending--
	}
}

func (m *model) checkAPI() tea.Cmd {
	p := m.app.pinger()
	if p == nil {
		return nil
	}
	wasBusy := m.busy()
	m.api = apiChecking
	if !wasBusy {
		return tea.Batch(m.spinner.Tick, pingCmd(m.ctx, p))
	}
	return pingCmd(m.ctx, p)
}

// syncingCities returns the tracked cities that have no projection yet.
func (m model) syncingCities() []config.City {
	shown := lo.SliceToMap(m.clocks, func(pc clock.ProjectedClock) (string, bool) { return pc.Timezone, true })
	return lo.Filter(m.app.cfg.Cities, func(c config.City, _ int) bool {
		return !shown[c.Timezone] && m.app.scheduler.Status(c.Timezone) == scheduler.Syncing
	})
}

func cycleIndex(i, step, n int) int {
	return ((i+step)%n + n) % n
}

// waitForEvent delivers the next scheduler event to the program
func waitForEvent(events <-chan scheduler.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return schedulerEventMsg(ev)
	}
}

// syncCitiesCmd performs the first sync of every configured city. The cities
// are pinned so the resync job retries any that fail now.
func syncCitiesCmd(ctx context.Context, a *app) tea.Cmd {
	tzs := a.cfg.Timezones()
	a.scheduler.Pin(tzs...)
	return func() tea.Msg {
		return citiesSyncedMsg{results: a.scheduler.AddCities(ctx, tzs), initial: true}
	}
}

// resyncCmd re-fetches every tracked city and retries configured cities that
// never synced
func resyncCmd(ctx context.Context, a *app) tea.Cmd {
	return func() tea.Msg {
		return citiesSyncedMsg{results: a.scheduler.ResyncAll(ctx)}
	}
}

// addCityCmd starts tracking a city picked in the add view
func addCityCmd(ctx context.Context, a *app, city catalog.City) tea.Cmd {
	return func() tea.Msg {
		return cityAddedMsg{city: city, err: a.scheduler.AddCity(ctx, city.Timezone)}
	}
}

// pingCmd checks whether the time server answers
func pingCmd(ctx context.Context, p pinger) tea.Cmd {
	return func() tea.Msg {
		return pingMsg{err: p.Ping(ctx)}
	}
}

// convertCmd runs one conversion
func convertCmd(ctx context.Context, a *app, text, from, to string) tea.Cmd {
	return func() tea.Msg {
		res, err := a.converter.Convert(ctx, text, from, to)
		return convertDoneMsg{res: res, err: err}
	}
}

// runTUI runs the clock board until the user quits
func runTUI(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := a.scheduler.Subscribe()
	defer unsubscribe()

	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()

	p := tea.NewProgram(newModel(ctx, a, events), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("error running program: %w", err)
	}
	return nil
}
