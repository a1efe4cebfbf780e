package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileSource serves readings from a JSON station file and reloads it when the
// file changes on disk. The file holds an array of Reading objects:
//
//	[{"city":"London","temperature":11.3,"unit":"celsius","conditions":"overcast"}]
//
// Lookups between a change and its reload observe the previous table; a
// malformed rewrite keeps the last good table in place.
type FileSource struct {
	path   string
	log    *slog.Logger
	table  *StaticSource
	cancel context.CancelFunc
}

var _ Source = (*FileSource)(nil)

// FileSourceOption configures a FileSource.
type FileSourceOption func(*FileSource)

// WithFileSourceLogger sets the logger used for reload diagnostics.
func WithFileSourceLogger(l *slog.Logger) FileSourceOption {
	return func(f *FileSource) {
		if l != nil {
			f.log = l
		}
	}
}

// NewFileSource loads the station file at path and starts watching it for
// changes. The returned source must be closed to release the watcher.
func NewFileSource(path string, opts ...FileSourceOption) (*FileSource, error) {
	f := &FileSource{
		path:  path,
		log:   slog.Default(),
		table: NewStaticSource(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := f.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the parent directory: editors and config tooling commonly replace
	// the file via rename, which drops a watch on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.run(ctx, w)

	return f, nil
}

// Lookup implements Source.
func (f *FileSource) Lookup(ctx context.Context, city string) (Reading, bool, error) {
	return f.table.Lookup(ctx, city)
}

// Len reports the number of cities in the current table.
func (f *FileSource) Len() int { return f.table.Len() }

// Close stops the file watcher. Lookups keep working against the last loaded
// table.
func (f *FileSource) Close() error {
	if f.cancel != nil {
		f.cancel()
	}
	return nil
}

func (f *FileSource) run(ctx context.Context, w *fsnotify.Watcher) {
	defer func() {
		_ = w.Close()
	}()

	target := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := f.reload(); err != nil {
				f.log.WarnContext(ctx, "weather.stations.reload.fail", slog.String("err", err.Error()))
				continue
			}
			f.log.InfoContext(ctx, "weather.stations.reload.ok", slog.Int("cities", f.table.Len()))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.log.WarnContext(ctx, "weather.stations.watch.fail", slog.String("err", err.Error()))
		}
	}
}

func (f *FileSource) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read station file: %w", err)
	}
	var readings []Reading
	if err := json.Unmarshal(data, &readings); err != nil {
		return fmt.Errorf("failed to parse station file %s: %w", f.path, err)
	}
	for i, r := range readings {
		if r.City == "" {
			return fmt.Errorf("station file %s: entry %d has no city", f.path, i)
		}
		if r.Unit != "" && r.Unit != UnitCelsius && r.Unit != UnitFahrenheit {
			return fmt.Errorf("station file %s: entry %d has unknown unit %q", f.path, i, r.Unit)
		}
	}
	f.table.Replace(readings)
	return nil
}
