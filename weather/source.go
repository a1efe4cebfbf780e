package weather

import (
	"context"
	"strings"
	"sync"
)

// Source resolves a city name to its current reading. City matching is
// case-insensitive. The boolean reports whether the city is known; a false
// return with a nil error is a domain miss, not a failure.
type Source interface {
	Lookup(ctx context.Context, city string) (Reading, bool, error)
}

// StaticSource serves readings from an in-memory table keyed by folded city
// name. Safe for concurrent use.
type StaticSource struct {
	mu    sync.RWMutex
	table map[string]Reading
}

var _ Source = (*StaticSource)(nil)

// NewStaticSource builds a source over the given readings. Later duplicates
// of the same city replace earlier ones.
func NewStaticSource(readings ...Reading) *StaticSource {
	s := &StaticSource{table: make(map[string]Reading, len(readings))}
	s.Replace(readings)
	return s
}

// NewDefaultSource returns a StaticSource seeded with the built-in station
// table. Useful for demos and tests; production deployments typically load a
// table from disk via FileSource.
func NewDefaultSource() *StaticSource {
	return NewStaticSource(
		Reading{City: "London", Temperature: 11.3, Unit: UnitCelsius, Conditions: "overcast"},
		Reading{City: "Paris", Temperature: 14.8, Unit: UnitCelsius, Conditions: "partly cloudy"},
		Reading{City: "Berlin", Temperature: 9.5, Unit: UnitCelsius, Conditions: "light rain"},
		Reading{City: "Tokyo", Temperature: 21.0, Unit: UnitCelsius, Conditions: "clear"},
		Reading{City: "Sydney", Temperature: 24.2, Unit: UnitCelsius, Conditions: "sunny"},
		Reading{City: "New York", Temperature: 68.4, Unit: UnitFahrenheit, Conditions: "windy"},
		Reading{City: "San Francisco", Temperature: 58.1, Unit: UnitFahrenheit, Conditions: "fog"},
	)
}

// Lookup implements Source.
func (s *StaticSource) Lookup(_ context.Context, city string) (Reading, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.table[foldCity(city)]
	return r, ok, nil
}

// Replace atomically swaps the entire table.
func (s *StaticSource) Replace(readings []Reading) {
	next := make(map[string]Reading, len(readings))
	for _, r := range readings {
		if r.Unit == "" {
			r.Unit = DefaultUnit
		}
		next[foldCity(r.City)] = r
	}
	s.mu.Lock()
	s.table = next
	s.mu.Unlock()
}

// Len reports the number of known cities.
func (s *StaticSource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

func foldCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}
