package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/philtim/tzclock/catalog"
	"github.com/philtim/tzclock/clock"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(1, 0)

	hintStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	barBackground = lipgloss.Color("235")
)

// View renders the UI
func (m model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if !m.ready {
		return "Initializing..."
	}

	switch m.state {
	case viewMain:
		return m.renderMain()
	case viewAdd:
		return m.renderAdd()
	case viewDelete:
		return m.renderDelete()
	case viewConfirm:
		return m.renderConfirm()
	case viewConvert:
		return m.renderConvert()
	case viewHistory:
		return m.renderHistory()
	}

	return ""
}

// renderMain renders the main clock view
func (m model) renderMain() string {
	cards := make([]clockCard, 0, len(m.clocks))
	for _, pc := range m.clocks {
		cards = append(cards, clockCard{name: m.app.cityName(pc.Timezone), clock: pc, synced: true})
	}
	for _, city := range m.syncingCities() {
		cards = append(cards, clockCard{name: city.Name, clock: clock.ProjectedClock{Timezone: city.Timezone}})
	}

	content := renderClocks(cards, m.width)
	m.viewport.SetContent(content)

	return fmt.Sprintf("%s\n%s", m.viewport.View(), m.renderCommandBar("a: Add | d: Delete | c: Convert | h: History | r: Refresh | q: Quit"))
}

// renderAdd renders the add city view
func (m model) renderAdd() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Add City"))
	b.WriteString("\n\n")

	b.WriteString("Search city:\n")
	b.WriteString(m.searchInput.View())
	b.WriteString("\n\n")

	if len(m.searchResults) == 0 {
		b.WriteString(hintStyle.Render("No cities found"))
	} else {
		b.WriteString(fmt.Sprintf("Results (%d):\n", len(m.searchResults)))
		for i, city := range m.searchResults {
			line := fmt.Sprintf("  %s, %s (%s)", city.Name, city.CountryCode, city.Timezone)
			if m.app.cfg.HasTimezone(city.Timezone) {
				line += hintStyle.Render("  on board")
			}
			if i == m.selectedResult {
				line = selectedStyle.Render("> " + line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter("↑/↓: Navigate | Enter: Select | ESC: Cancel"))

	return b.String()
}

// renderDelete renders the delete city view
func (m model) renderDelete() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Delete Cities"))
	b.WriteString("\n\n")

	for i, city := range m.deleteList {
		checkbox := " "
		if m.deleteSelected[i] {
			checkbox = "x"
		}
		line := fmt.Sprintf("  [%s] %s", checkbox, city.Name)

		if i == m.deleteCursor {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}

		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter("↑/↓: Navigate | Space: Toggle | Enter: Delete | ESC: Cancel"))

	return b.String()
}

// renderConfirm renders the confirmation dialog
func (m model) renderConfirm() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Confirm"))
	b.WriteString("\n\n")

	b.WriteString(m.confirmMsg)
	b.WriteString("\n\n")
	b.WriteString(hintStyle.Render("y: Yes | n/ESC: No"))

	return b.String()
}

// renderConvert renders the conversion form and the last result
func (m model) renderConvert() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Convert Time"))
	b.WriteString("\n\n")

	label := func(focus int, text string) string {
		if m.convertFocus == focus {
			return selectedStyle.Render("> " + text)
		}
		return "  " + text
	}

	b.WriteString(label(focusDatetime, "Datetime: "))
	b.WriteString(m.datetimeInput.View())
	b.WriteString("\n")
	b.WriteString(label(focusFrom, fmt.Sprintf("From:     ◂ %s ▸", zoneLabel(m.fromTz()))))
	b.WriteString("\n")
	b.WriteString(label(focusTo, fmt.Sprintf("To:       ◂ %s ▸", zoneLabel(m.toTz()))))
	b.WriteString("\n\n")

	switch {
	case m.pending > 0:
		b.WriteString(m.spinner.View() + " Converting...")
	case m.convertErr != "":
		b.WriteString(errorStyle.Render(m.convertErr))
	case m.lastResult != nil:
		r := m.lastResult
		resultStyle := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 2)
		body := lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render(r.FormattedTarget),
			hintStyle.Render(fmt.Sprintf("%s %s → %s (%s)",
				r.Request.SourceText, zoneLabel(r.Request.SourceTimezone), zoneLabel(r.Request.TargetTimezone), r.OffsetAnnotation)),
		)
		b.WriteString(resultStyle.Render(body))
	}

	b.WriteString("\n\n")
	b.WriteString(m.renderFooter("Tab: Next field | ←/→: Zone | Enter: Convert | ^N: Now | ^S: Swap | ^L: Clear | ESC: Back"))

	return b.String()
}

// renderHistory renders past conversions, newest first
func (m model) renderHistory() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Conversion History"))
	b.WriteString("\n\n")

	if len(m.history) == 0 {
		b.WriteString(hintStyle.Render("No conversions yet"))
	}
	for i, r := range m.history {
		line := fmt.Sprintf("  %s  %s", r.CreatedAt.Local().Format("01-02 15:04"), r.Describe())
		if i == m.historyCursor {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter("↑/↓: Navigate | Enter: Apply | x: Clear | ESC: Back"))

	return b.String()
}

// renderFooter renders the hint line of a sub view, or the notice while one
// is shown.
func (m model) renderFooter(hints string) string {
	if m.notice != "" {
		return m.renderNotice()
	}
	return hintStyle.Render(hints)
}

func (m model) renderNotice() string {
	if m.noticeIsErr {
		return errorStyle.Render("✗ " + m.notice)
	}
	return okStyle.Render("✓ " + m.notice)
}

// renderCommandBar renders the command bar at the bottom
func (m model) renderCommandBar(commands string) string {
	leftStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Background(barBackground).
		Padding(0, 1)

	rightStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Background(barBackground).
		Padding(0, 1)

	// Left side: the notice replaces the commands while shown
	var leftContent string
	if m.notice != "" {
		leftContent = leftStyle.Render(m.renderNotice())
	} else {
		leftContent = leftStyle.Render(commands)
	}

	// Right side: API status
	rightContent := rightStyle.Render(m.apiStatusText())

	// Calculate spacing to push right content to the right
	leftWidth := lipgloss.Width(leftContent)
	rightWidth := lipgloss.Width(rightContent)
	spacingWidth := m.width - leftWidth - rightWidth
	if spacingWidth < 0 {
		spacingWidth = 0
	}
	spacing := strings.Repeat(" ", spacingWidth)

	barStyle := lipgloss.NewStyle().Background(barBackground)
	return barStyle.Render(leftContent + spacing + rightContent)
}

func (m model) apiStatusText() string {
	var status string
	switch m.api {
	case apiChecking:
		status = m.spinner.View() + " API: checking..."
	case apiOnline:
		status = "API: online"
	case apiUnreachable:
		status = "API: unreachable"
	case apiLocal:
		status = "API: offline (local clock)"
	}
	if m.pending > 0 && m.api != apiChecking {
		status = m.spinner.View() + " " + status
	}
	return status
}

// zoneLabel renders a timezone with its preset city name
func zoneLabel(tz string) string {
	if name := catalog.DisplayName(tz); name != tz {
		return fmt.Sprintf("%s (%s)", tz, name)
	}
	return tz
}

// clockCard is one card on the board. Cards that are not synced yet have
// only a timezone.
type clockCard struct {
	name   string
	clock  clock.ProjectedClock
	synced bool
}

// renderClocks renders all clocks in a grid layout
func renderClocks(cards []clockCard, width int) string {
	if len(cards) == 0 {
		// Show helpful message when no clocks are configured
		helpStyle := lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Align(lipgloss.Center).
			Padding(2, 4)
		return helpStyle.Render("Press 'a' to add a new city")
	}

	// Calculate grid dimensions
	cols := calculateColumns(cards, width)
	rows := (len(cards) + cols - 1) / cols

	// Each card has border (2) + padding (4) + margins (2)
	cardOverhead := 8

	cardWidth := width/cols - cardOverhead
	if cardWidth < 20 {
		cardWidth = 20 // Minimum width for readability
	}

	rendered := make([]string, 0, len(cards))
	for _, c := range cards {
		rendered = append(rendered, renderClockCard(c, cardWidth))
	}

	var rowsContent []string
	for row := 0; row < rows; row++ {
		start := row * cols
		end := min(start+cols, len(rendered))
		rowsContent = append(rowsContent, lipgloss.JoinHorizontal(lipgloss.Top, rendered[start:end]...))
	}

	return strings.Join(rowsContent, "\n")
}

// renderClockCard renders a single clock card
func renderClockCard(c clockCard, width int) string {
	nameStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86")).
		Align(lipgloss.Center).
		Width(width).
		PaddingTop(1).
		PaddingBottom(1)

	timeStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Align(lipgloss.Center).
		Width(width).
		MarginBottom(1)

	dateStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Align(lipgloss.Center).
		Width(width)

	syncStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("238")).
		Align(lipgloss.Center).
		Width(width).
		PaddingBottom(1)

	cardStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(0, 2).
		Margin(1, 1, 0, 1) // Top, Right, Bottom, Left margins

	title := nameStyle.Render(strings.ToUpper(c.name))

	if !c.synced {
		content := lipgloss.JoinVertical(lipgloss.Left,
			title,
			timeStyle.Render("--:--:--"),
			dateStyle.Render(c.clock.Timezone),
			syncStyle.Render("syncing..."),
		)
		return cardStyle.Render(content)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		title,
		timeStyle.Render(c.clock.DisplayTime),
		dateStyle.Render(c.clock.DisplayDate),
		dateStyle.Render(c.clock.UTCOffset),
		syncStyle.Render(formatSyncAge(c.clock.SecondsSinceSync)),
	)

	return cardStyle.Render(content)
}

// formatSyncAge renders the time since the last server sync
func formatSyncAge(seconds int) string {
	switch {
	case seconds < 1:
		return "synced just now"
	case seconds < 60:
		return fmt.Sprintf("synced %ds ago", seconds)
	default:
		return fmt.Sprintf("synced %dm%02ds ago", seconds/60, seconds%60)
	}
}

// calculateColumns determines the number of columns based on terminal width and city name lengths
func calculateColumns(cards []clockCard, width int) int {
	// Find the longest city name (uppercase)
	maxCityNameLen := 0
	for _, c := range cards {
		maxCityNameLen = max(maxCityNameLen, len(strings.ToUpper(c.name)))
	}

	// The date line is the widest fixed content: "Wednesday, 30 September 2026"
	minContentWidth := max(maxCityNameLen, 28)

	// Account for border (2), padding (4) and margins (2)
	minCardWidth := minContentWidth + 8

	// Try 4 columns first (default preference)
	if width >= minCardWidth*4 {
		return 4
	}

	// Fall back to 2 columns
	if width >= minCardWidth*2 {
		return 2
	}

	// Last resort: 1 column
	return 1
}
