package weather

import (
	"fmt"
	"math"
	"strings"
)

// Unit is a temperature scale.
type Unit string

const (
	UnitCelsius    Unit = "celsius"
	UnitFahrenheit Unit = "fahrenheit"
)

// DefaultUnit is used when a lookup does not name a unit.
const DefaultUnit = UnitCelsius

// ParseUnit folds a user-supplied unit string to its canonical Unit. An empty
// string yields DefaultUnit.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultUnit, nil
	case string(UnitCelsius):
		return UnitCelsius, nil
	case string(UnitFahrenheit):
		return UnitFahrenheit, nil
	}
	return "", fmt.Errorf("unknown temperature unit %q", s)
}

// Reading is a single observation for a city in its native unit.
type Reading struct {
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"`
	Unit        Unit    `json:"unit"`
	Conditions  string  `json:"conditions,omitempty"`
}

// In returns the reading expressed in the requested unit. Same-unit requests
// pass the value through Round1 but are otherwise untouched.
func (r Reading) In(unit Unit) Reading {
	out := r
	out.Temperature = Convert(r.Temperature, r.Unit, unit)
	out.Unit = unit
	return out
}

// Convert maps a temperature between scales using the affine
// Celsius/Fahrenheit transform. The result is rounded to one decimal place;
// a same-unit conversion returns the value unchanged apart from rounding.
func Convert(value float64, from, to Unit) float64 {
	if from == to {
		return Round1(value)
	}
	switch {
	case from == UnitCelsius && to == UnitFahrenheit:
		return Round1(value*9/5 + 32)
	case from == UnitFahrenheit && to == UnitCelsius:
		return Round1((value - 32) * 5 / 9)
	}
	return Round1(value)
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
