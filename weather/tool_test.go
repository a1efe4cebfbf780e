package weather_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycastlabs/weathermcp/mcp"
	"github.com/skycastlabs/weathermcp/mcpservice"
	"github.com/skycastlabs/weathermcp/sessions"
	"github.com/skycastlabs/weathermcp/weather"
)

type stubSession struct{}

func (stubSession) SessionID() string            { return "sess-1" }
func (stubSession) ProtocolVersion() string      { return mcp.LatestProtocolVersion }
func (stubSession) State() sessions.SessionState { return sessions.SessionStateOpen }

func callWeather(t *testing.T, src weather.Source, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tc := mcpservice.MustNewToolsContainer(weather.Tool(src))
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	res, err := tc.Call(context.Background(), stubSession{}, &mcp.CallToolRequestReceived{
		Name:      weather.ToolName,
		Arguments: raw,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestToolReturnsNativeUnitReading(t *testing.T) {
	src := weather.NewStaticSource(weather.Reading{City: "London", Temperature: 11.3, Unit: weather.UnitCelsius, Conditions: "overcast"})

	res := callWeather(t, src, map[string]any{"city": "London"})
	require.False(t, res.IsError)

	assert.Equal(t, true, res.StructuredContent["found"])
	assert.Equal(t, "London", res.StructuredContent["city"])
	assert.Equal(t, 11.3, res.StructuredContent["temperature"])
	assert.Equal(t, "celsius", res.StructuredContent["unit"])
	assert.Equal(t, "overcast", res.StructuredContent["conditions"])
	require.Len(t, res.Content, 1)
	assert.Contains(t, res.Content[0].Text, "11.3")
}

func TestToolConvertsAcrossUnits(t *testing.T) {
	src := weather.NewStaticSource(
		weather.Reading{City: "Reykjavik", Temperature: 0, Unit: weather.UnitCelsius},
		weather.Reading{City: "Phoenix", Temperature: 98.6, Unit: weather.UnitFahrenheit},
	)

	// Celsius source, imperial request: the payload unit must reflect the
	// unit of the returned number.
	res := callWeather(t, src, map[string]any{"city": "Reykjavik", "unit": "fahrenheit"})
	require.False(t, res.IsError)
	assert.Equal(t, 32.0, res.StructuredContent["temperature"])
	assert.Equal(t, "fahrenheit", res.StructuredContent["unit"])

	res = callWeather(t, src, map[string]any{"city": "Phoenix", "unit": "celsius"})
	require.False(t, res.IsError)
	assert.Equal(t, 37.0, res.StructuredContent["temperature"])
	assert.Equal(t, "celsius", res.StructuredContent["unit"])
}

func TestToolCityMatchingIsCaseInsensitive(t *testing.T) {
	src := weather.NewStaticSource(weather.Reading{City: "Tokyo", Temperature: 21, Unit: weather.UnitCelsius})

	for _, city := range []string{"tokyo", "TOKYO", "  Tokyo "} {
		res := callWeather(t, src, map[string]any{"city": city})
		require.False(t, res.IsError, "city %q", city)
		assert.Equal(t, true, res.StructuredContent["found"], "city %q", city)
	}
}

func TestToolUnitEnumIsCaseFoldedAndDefaulted(t *testing.T) {
	src := weather.NewStaticSource(weather.Reading{City: "Oslo", Temperature: 4.2, Unit: weather.UnitCelsius})

	// Unit casing is normalized before the handler runs.
	res := callWeather(t, src, map[string]any{"city": "Oslo", "unit": "FAHRENHEIT"})
	require.False(t, res.IsError)
	assert.Equal(t, "fahrenheit", res.StructuredContent["unit"])

	// Absent unit falls back to the declared default.
	res = callWeather(t, src, map[string]any{"city": "Oslo"})
	require.False(t, res.IsError)
	assert.Equal(t, "celsius", res.StructuredContent["unit"])
}

func TestToolUnknownCityIsDomainMissNotError(t *testing.T) {
	res := callWeather(t, weather.NewDefaultSource(), map[string]any{"city": "atlantis"})

	require.False(t, res.IsError, "a domain miss is a successful result")
	assert.Equal(t, false, res.StructuredContent["found"])
	assert.Equal(t, "atlantis", res.StructuredContent["city"])
	require.Len(t, res.Content, 1)
	assert.Contains(t, res.Content[0].Text, "No weather data")
}

func TestToolInvalidUnitIsFailedResult(t *testing.T) {
	res := callWeather(t, weather.NewDefaultSource(), map[string]any{"city": "London", "unit": "kelvin"})

	require.True(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Contains(t, res.Content[0].Text, `"unit" must be one of`)
}

func TestToolIsIdempotent(t *testing.T) {
	src := weather.NewDefaultSource()
	a := callWeather(t, src, map[string]any{"city": "Paris", "unit": "fahrenheit"})
	b := callWeather(t, src, map[string]any{"city": "Paris", "unit": "fahrenheit"})
	require.False(t, a.IsError)
	assert.Equal(t, a.StructuredContent, b.StructuredContent)
}

func TestToolDescriptorAnnotations(t *testing.T) {
	tool := weather.Tool(weather.NewDefaultSource())

	require.NotNil(t, tool.Descriptor.Annotations)
	assert.True(t, tool.Descriptor.Annotations.ReadOnlyHint)
	assert.True(t, tool.Descriptor.Annotations.IdempotentHint)

	require.NotNil(t, tool.Descriptor.OutputSchema)
	assert.ElementsMatch(t, []string{"city", "found"}, tool.Descriptor.OutputSchema.Required)
	assert.Contains(t, tool.Descriptor.InputSchema.Properties, "unit")
	assert.Equal(t, "celsius", tool.Descriptor.InputSchema.Properties["unit"].Default)
}
