// Package watchdog keeps one heartbeat timer per job. A job whose timer runs
// out before the next Bump is reported to the stall handler.
package watchdog

import (
	"sync"
	"time"

	"github.com/feichai0017/shadowtwin/pkg/logger"
)

// StallFunc is called once per expiry, outside any lock.
type StallFunc func(jobID string)

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

type Watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	timers  map[string]*timerEntry
	gen     uint64
	onStall StallFunc
	logger  logger.Logger
}

func New(timeout time.Duration, log logger.Logger) *Watchdog {
	return &Watchdog{
		timeout: timeout,
		timers:  make(map[string]*timerEntry),
		logger:  log.Named("watchdog"),
	}
}

// SetHandler installs the stall callback. It must be set before the first Bump.
func (w *Watchdog) SetHandler(fn StallFunc) {
	w.mu.Lock()
	w.onStall = fn
	w.mu.Unlock()
}

// Bump (re)starts the timer for jobID.
func (w *Watchdog) Bump(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.timers[jobID]; ok {
		e.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timers[jobID] = &timerEntry{
		gen:   gen,
		timer: time.AfterFunc(w.timeout, func() { w.expire(jobID, gen) }),
	}
}

// Clear stops the timer for jobID. Clearing an unknown job is a no-op.
func (w *Watchdog) Clear(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.timers[jobID]; ok {
		e.timer.Stop()
		delete(w.timers, jobID)
	}
}

// Active reports how many jobs are being watched.
func (w *Watchdog) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// Watching reports whether jobID has a live timer.
func (w *Watchdog) Watching(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[jobID]
	return ok
}

// Stop clears every timer.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, e := range w.timers {
		e.timer.Stop()
		delete(w.timers, id)
	}
}

func (w *Watchdog) expire(jobID string, gen uint64) {
	w.mu.Lock()
	e, ok := w.timers[jobID]
	// A Bump or Clear that raced with this timer wins.
	if !ok || e.gen != gen {
		w.mu.Unlock()
		return
	}
	delete(w.timers, jobID)
	fn := w.onStall
	w.mu.Unlock()

	w.logger.Warn("Job heartbeat timed out",
		logger.String("jobId", jobID),
		logger.Duration("timeout", w.timeout),
	)
	if fn != nil {
		fn(jobID)
	}
}
