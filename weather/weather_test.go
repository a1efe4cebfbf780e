package weather

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestConvertKnownPoints(t *testing.T) {
	assert.Equal(t, 32.0, Convert(0, UnitCelsius, UnitFahrenheit))
	assert.Equal(t, 212.0, Convert(100, UnitCelsius, UnitFahrenheit))
	assert.Equal(t, 37.0, Convert(98.6, UnitFahrenheit, UnitCelsius))
	assert.Equal(t, -40.0, Convert(-40, UnitCelsius, UnitFahrenheit))
}

func TestConvertSameUnitIsIdentityToOneDecimal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Float64Range(-200, 200).Draw(t, "v")
		unit := rapid.SampledFrom([]Unit{UnitCelsius, UnitFahrenheit}).Draw(t, "unit")
		got := Convert(v, unit, unit)
		assert.Equal(t, Round1(v), got)
	})
}

func TestConvertRoundTripStableAfterFirstRounding(t *testing.T) {
	// A converted value re-converted back lands within one rounding step of
	// the original's rounded form.
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Float64Range(-200, 200).Draw(t, "v")
		f := Convert(v, UnitCelsius, UnitFahrenheit)
		back := Convert(f, UnitFahrenheit, UnitCelsius)
		assert.InDelta(t, Round1(v), back, 0.1)
	})
}

func TestParseUnit(t *testing.T) {
	cases := []struct {
		in   string
		want Unit
	}{
		{"", UnitCelsius},
		{"celsius", UnitCelsius},
		{"CELSIUS", UnitCelsius},
		{" fahrenheit ", UnitFahrenheit},
		{"Fahrenheit", UnitFahrenheit},
	}
	for _, tc := range cases {
		got, err := ParseUnit(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}

	_, err := ParseUnit("kelvin")
	require.Error(t, err)
}

func TestReadingIn(t *testing.T) {
	r := Reading{City: "London", Temperature: 11.34, Unit: UnitCelsius}
	assert.Equal(t, 11.3, r.In(UnitCelsius).Temperature)

	f := r.In(UnitFahrenheit)
	assert.Equal(t, UnitFahrenheit, f.Unit)
	assert.Equal(t, 52.4, f.Temperature)
}
