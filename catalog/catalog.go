// Package catalog is the fixed allow-list of timezones the application
// accepts, together with the preset cities shown in the city picker.
package catalog

import (
	"strings"

	"github.com/samber/lo"
)

// City represents a preset city backed by one of the catalog timezones
type City struct {
	Name        string
	CountryCode string
	Timezone    string
}

// Timezones is the allow-list, in the order the convert form offers them.
var Timezones = []string{
	"UTC",
	"Europe/Moscow",
	"Europe/Amsterdam",
	"Europe/London",
	"America/New_York",
	"America/Los_Angeles",
	"Asia/Tokyo",
	"Asia/Dubai",
}

// Cities are the preset world clock cities.
var Cities = []City{
	{Name: "Moscow", CountryCode: "RU", Timezone: "Europe/Moscow"},
	{Name: "London", CountryCode: "GB", Timezone: "Europe/London"},
	{Name: "New York", CountryCode: "US", Timezone: "America/New_York"},
	{Name: "Los Angeles", CountryCode: "US", Timezone: "America/Los_Angeles"},
	{Name: "Tokyo", CountryCode: "JP", Timezone: "Asia/Tokyo"},
	{Name: "Dubai", CountryCode: "AE", Timezone: "Asia/Dubai"},
	{Name: "Amsterdam", CountryCode: "NL", Timezone: "Europe/Amsterdam"},
}

var supported = lo.SliceToMap(Timezones, func(tz string) (string, struct{}) {
	return tz, struct{}{}
})

// Supported reports whether tz is part of the allow-list
func Supported(tz string) bool {
	_, ok := supported[tz]
	return ok
}

// CityFor returns the preset city for a timezone
func CityFor(tz string) (City, bool) {
	return lo.Find(Cities, func(c City) bool { return c.Timezone == tz })
}

// DisplayName returns the city name for tz, or tz itself when no preset city
// uses it.
func DisplayName(tz string) string {
	if c, ok := CityFor(tz); ok {
		return c.Name
	}
	return tz
}

// Search searches preset cities by name or timezone.
// Exact matches come first, then prefix and substring matches, at most
// maxResults in total. An empty query returns every city.
func Search(query string, maxResults int) []City {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return lo.Slice(Cities, 0, maxResults)
	}

	var exactMatches []City
	var partialMatches []City

	for _, city := range Cities {
		name := strings.ToLower(city.Name)
		tz := strings.ToLower(city.Timezone)

		switch {
		case name == query || tz == query:
			exactMatches = append(exactMatches, city)
		case strings.HasPrefix(name, query), strings.Contains(name, query), strings.Contains(tz, query):
			partialMatches = append(partialMatches, city)
		}
	}

	results := append(exactMatches, partialMatches...)
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}
