package supervisor

import (
	"sync"
	"time"
)

// watchdog fires onStall if kick is not called again within the configured
// window, detecting a downloader process that is still alive but has
// stopped making progress.
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	window  time.Duration
	onStall func()
	stopped bool
}

func newWatchdog(window time.Duration, onStall func()) *watchdog {
	w := &watchdog{window: window, onStall: onStall}
	w.timer = time.AfterFunc(window, w.fire)
	return w
}

func (w *watchdog) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.onStall()
}

// kick resets the stall window. The supervisor calls it for a delta with a
// changed progress value, or for one with no progress that names a stage
// or speed.
func (w *watchdog) kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
	w.timer.Reset(w.window)
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.timer.Stop()
}
