package weather

import (
	"context"
	"fmt"

	"github.com/skycastlabs/weathermcp/mcp"
	"github.com/skycastlabs/weathermcp/mcpservice"
	"github.com/skycastlabs/weathermcp/sessions"
)

// ToolName is the name the weather tool registers under.
const ToolName = "get_weather"

type toolArgs struct {
	City string `json:"city" jsonschema:"minLength=1,description=City name; matching is case-insensitive"`
	Unit string `json:"unit,omitempty" jsonschema:"enum=celsius,enum=fahrenheit,default=celsius,description=Temperature unit for the returned reading"`
}

type toolOutput struct {
	City        string   `json:"city"`
	Found       bool     `json:"found"`
	Temperature *float64 `json:"temperature,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Conditions  string   `json:"conditions,omitempty"`
}

// Tool builds the MCP tool over the given source. The tool is read-only and
// idempotent: equal arguments always yield equal structured payloads for an
// unchanged source.
//
// An unknown city is a domain miss: the call succeeds and the structured
// payload carries found=false with an explanatory text block. Source errors
// (I/O against a backing store) propagate and surface as internal errors.
func Tool(src Source) mcpservice.StaticTool {
	return mcpservice.NewToolWithOutput[toolArgs, toolOutput](ToolName,
		func(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriterTyped[toolOutput], r *mcpservice.ToolRequest[toolArgs]) error {
			args := r.Args()

			unit, err := ParseUnit(args.Unit)
			if err != nil {
				// The enum constraint catches this before dispatch; reaching
				// here means the schema and ParseUnit disagree.
				return fmt.Errorf("unit %q passed validation but failed to parse: %w", args.Unit, err)
			}

			reading, ok, err := src.Lookup(ctx, args.City)
			if err != nil {
				return fmt.Errorf("weather lookup for %q: %w", args.City, err)
			}
			if !ok {
				w.SetStructured(toolOutput{City: args.City, Found: false})
				return w.AppendText(fmt.Sprintf("No weather data available for %q.", args.City))
			}

			converted := reading.In(unit)
			temp := converted.Temperature
			w.SetStructured(toolOutput{
				City:        reading.City,
				Found:       true,
				Temperature: &temp,
				Unit:        string(unit),
				Conditions:  reading.Conditions,
			})
			summary := fmt.Sprintf("%s: %.1f%s", reading.City, temp, unitSymbol(unit))
			if reading.Conditions != "" {
				summary += ", " + reading.Conditions
			}
			return w.AppendText(summary)
		},
		mcpservice.WithToolDescription("Look up the current weather reading for a city. Returns the temperature in the requested unit plus conditions."),
		mcpservice.WithToolAnnotations(mcp.ToolAnnotations{
			Title:          "Get Weather",
			ReadOnlyHint:   true,
			IdempotentHint: true,
		}),
	)
}

func unitSymbol(u Unit) string {
	if u == UnitFahrenheit {
		return "°F"
	}
	return "°C"
}
