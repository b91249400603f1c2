package convert

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/philtim/tzclock/config"
)

// DefaultHistorySize is the number of conversions kept.
const DefaultHistorySize = 10

// History is a bounded, newest-first list of conversions, optionally
// persisted to a YAML file.
type History struct {
	mu       sync.Mutex
	path     string
	capacity int
	entries  []Result
}

type historyFile struct {
	Conversions []Result `yaml:"conversions"`
}

// NewHistory creates an empty history. An empty path keeps it in memory.
func NewHistory(path string, capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{path: path, capacity: capacity}
}

// LoadHistory reads the history stored at path. A missing file yields an
// empty history.
func LoadHistory(path string, capacity int) (*History, error) {
	h := NewHistory(path, capacity)
	if path == "" {
		return h, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var f historyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}
	if len(f.Conversions) > h.capacity {
		f.Conversions = f.Conversions[:h.capacity]
	}
	h.entries = f.Conversions
	return h, nil
}

// Add puts r at the front and evicts the oldest entry when full.
func (h *History) Add(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := make([]Result, 0, h.capacity)
	entries = append(entries, r)
	entries = append(entries, h.entries...)
	if len(entries) > h.capacity {
		entries = entries[:h.capacity]
	}
	h.entries = entries
}

// Entries returns a copy of the history, newest first.
func (h *History) Entries() []Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Result(nil), h.entries...)
}

// Get returns the entry at index, 0 being the newest
func (h *History) Get(index int) (Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.entries) {
		return Result{}, false
	}
	return h.entries[index], true
}

// Len returns the number of stored conversions
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Clear removes every entry
func (h *History) Clear() {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}

// Save writes the history to its file. In-memory histories are not saved.
func (h *History) Save() error {
	if h.path == "" {
		return nil
	}

	h.mu.Lock()
	data, err := yaml.Marshal(historyFile{Conversions: h.entries})
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	return config.WriteFileAtomic(h.path, data)
}
