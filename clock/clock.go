// Package clock computes timezone offsets and projects synced instants
// forward for display.
package clock

import (
	"fmt"
	"sort"
)

// FormatUTCOffset returns the UTC offset in UTC±HH:MM format
func FormatUTCOffset(minutes int) string {
	sign := "+"
	if minutes < 0 {
		sign = "-"
		minutes = -minutes
	}

	return fmt.Sprintf("UTC%s%02d:%02d", sign, minutes/60, minutes%60)
}

// SortByUTCOffset sorts projected clocks west to east, ties broken by
// timezone name
func SortByUTCOffset(clocks []ProjectedClock) {
	sort.SliceStable(clocks, func(i, j int) bool {
		if clocks[i].OffsetMinutes != clocks[j].OffsetMinutes {
			return clocks[i].OffsetMinutes < clocks[j].OffsetMinutes
		}
		return clocks[i].Timezone < clocks[j].Timezone
	})
}
