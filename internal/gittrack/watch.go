package gittrack

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces a burst of filesystem events (an editor's save
// often touches a file twice) into a single onChange call.
const watchDebounce = 500 * time.Millisecond

// Watch watches the tracker's working directory for files changed outside
// the assistant CLI subprocess — the user editing in their own editor,
// say — and calls onChange, debounced, whenever one occurs. It complements
// the tool-result-triggered snapshot the session manager already takes:
// that one only fires when the subprocess itself edits something.
//
// Watch runs its loop in a background goroutine and returns immediately.
// The returned stop func closes the watcher and waits for the goroutine to
// exit; it must be called once the run this Tracker belongs to finishes.
// Only workingDir itself is watched, not its subdirectories.
func (t *Tracker) Watch(ctx context.Context, onChange func(context.Context)) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(t.workingDir); err != nil {
		w.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("gittrack watch error", "err", werr)
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if strings.HasPrefix(filepath.Base(evt.Name), ".git") {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(watchDebounce, func() { onChange(ctx) })
				} else {
					timer.Reset(watchDebounce)
				}
			}
		}
	}()

	return func() {
		w.Close()
		<-done
	}, nil
}
