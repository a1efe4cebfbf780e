// Package weather is the domain layer behind the weather tool: temperature
// units and conversion, the Source lookup contract, and the MCP tool
// definition built on top of it.
//
// Sources are pluggable. StaticSource serves a fixed in-memory table (see
// NewDefaultSource for the built-in one); FileSource serves a JSON station
// file and live-reloads it when the file changes on disk.
package weather
