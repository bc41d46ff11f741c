package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manageable copies the options that may change while the heap is running
// from src into dst. Everything that sizes data structures stays fixed.
func Manageable(dst *HeapConfig, src *HeapConfig) {
	dst.PauseTimeGoalMs = src.PauseTimeGoalMs
	if src.PauseIntervalMs > src.PauseTimeGoalMs {
		dst.PauseIntervalMs = src.PauseIntervalMs
	} else {
		dst.PauseIntervalMs = src.PauseTimeGoalMs + 1
	}
	dst.InitiatingHeapOccupancyPercent = src.InitiatingHeapOccupancyPercent
	dst.HeapWastePercent = src.HeapWastePercent
	dst.MixedGCCountTarget = src.MixedGCCountTarget
	dst.MinHeapFreeRatio = src.MinHeapFreeRatio
	dst.MaxHeapFreeRatio = src.MaxHeapFreeRatio
	dst.ExplicitGCInvokesConcurrent = src.ExplicitGCInvokesConcurrent
	dst.LogLevel = src.LogLevel
}

// Watcher reloads a configuration file when it changes and passes every
// version that validates to the callback. Invalid files are reported on
// Errors and otherwise ignored.
type Watcher struct {
	path     string
	base     HeapConfig
	onChange func(*HeapConfig)
	w        *fsnotify.Watcher
	erC      chan error
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher watches path. base supplies the fixed options; only the
// manageable ones are taken from reloaded files.
func NewWatcher(path string, base HeapConfig, onChange func(*HeapConfig)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory so editors that replace the file are seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}
	cw := &Watcher{
		path:     filepath.Clean(path),
		base:     base,
		onChange: onChange,
		w:        w,
		erC:      make(chan error, 8),
		done:     make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.loop()
	return cw, nil
}

func (cw *Watcher) loop() {
	defer cw.wg.Done()
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cw.reload()
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			cw.report(err)
		case <-cw.done:
			return
		}
	}
}

func (cw *Watcher) reload() {
	loaded, err := Load(cw.path)
	if err != nil {
		cw.report(err)
		return
	}
	next := cw.base
	Manageable(&next, loaded)
	if err := next.Validate(); err != nil {
		cw.report(err)
		return
	}
	cw.base = next
	if cw.onChange != nil {
		cw.onChange(&next)
	}
}

func (cw *Watcher) report(err error) {
	select {
	case cw.erC <- err:
	default:
	}
}

// Errors delivers reload and watch errors; it drops them when full
func (cw *Watcher) Errors() <-chan error { return cw.erC }

// Close stops watching and waits for the event loop to exit
func (cw *Watcher) Close() error {
	close(cw.done)
	err := cw.w.Close()
	cw.wg.Wait()
	return err
}
