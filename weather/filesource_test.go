package weather_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycastlabs/weathermcp/weather"
)

func writeStations(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func waitForCity(t *testing.T, src *weather.FileSource, city string, wantTemp float64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, ok, err := src.Lookup(context.Background(), city)
		require.NoError(t, err)
		if ok && r.Temperature == wantTemp {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("city %q never reached temperature %v", city, wantTemp)
}

func TestFileSourceLoadsAndServes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stations.json")
	writeStations(t, path, `[{"city":"London","temperature":11.3,"unit":"celsius","conditions":"overcast"}]`)

	src, err := weather.NewFileSource(path)
	require.NoError(t, err)
	defer src.Close()

	r, ok, err := src.Lookup(context.Background(), "london")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 11.3, r.Temperature)
	assert.Equal(t, weather.UnitCelsius, r.Unit)
}

func TestFileSourceRejectsBadFileAtStartup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stations.json")

	_, err := weather.NewFileSource(path)
	require.Error(t, err, "missing file")

	writeStations(t, path, `{"not":"an array"}`)
	_, err = weather.NewFileSource(path)
	require.Error(t, err, "malformed file")

	writeStations(t, path, `[{"temperature":1}]`)
	_, err = weather.NewFileSource(path)
	require.Error(t, err, "entry without city")
}

func TestFileSourceReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stations.json")
	writeStations(t, path, `[{"city":"London","temperature":11.3}]`)

	src, err := weather.NewFileSource(path)
	require.NoError(t, err)
	defer src.Close()

	writeStations(t, path, `[{"city":"London","temperature":12.7}]`)
	waitForCity(t, src, "London", 12.7)
}

func TestFileSourceKeepsLastGoodTableOnMalformedRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stations.json")
	writeStations(t, path, `[{"city":"London","temperature":11.3}]`)

	src, err := weather.NewFileSource(path)
	require.NoError(t, err)
	defer src.Close()

	writeStations(t, path, `[{"city":`)

	// Give the watcher a beat to process the event, then confirm the old
	// table still answers.
	time.Sleep(200 * time.Millisecond)
	r, ok, err := src.Lookup(context.Background(), "London")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 11.3, r.Temperature)
}
