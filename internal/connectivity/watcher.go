// Package connectivity turns periodic reachability probes into a
// subscribable online/offline event source.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/cra-platform/fieldsync/internal/logging"
)

// Pinger probes server reachability. The API client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Watcher polls the platform and fans out online/offline transitions to
// subscribers. Callbacks fire on transitions only, never on steady state,
// and every subscriber sees every transition exactly once.
//
// The probe is only as truthful as the network path to the health
// endpoint; a reachable proxy in front of a dead server still reads as
// online. Accepted limitation.
type Watcher struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	log      logging.Logger

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

func NewWatcher(pinger Pinger, interval time.Duration, log logging.Logger) *Watcher {
	return &Watcher{
		pinger:   pinger,
		interval: interval,
		timeout:  3 * time.Second,
		log:      log,
		subs:     make(map[int]func(bool)),
	}
}

// IsOnline returns the current snapshot without blocking on a probe.
func (w *Watcher) IsOnline() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Subscribe registers a transition callback and returns its unsubscribe
// handle. Unsubscribing twice is harmless.
func (w *Watcher) Subscribe(cb func(online bool)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = cb
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// CheckNow probes once and updates the snapshot, notifying subscribers if
// the state flipped.
func (w *Watcher) CheckNow(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	err := w.pinger.Ping(probeCtx)
	cancel()

	online := err == nil
	w.setOnline(ctx, online)
	return online
}

func (w *Watcher) setOnline(ctx context.Context, online bool) {
	w.mu.Lock()
	if w.online == online {
		w.mu.Unlock()
		return
	}
	w.online = online
	callbacks := make([]func(bool), 0, len(w.subs))
	for _, cb := range w.subs {
		callbacks = append(callbacks, cb)
	}
	w.mu.Unlock()

	if online {
		w.log.Info(ctx, "connection restored")
	} else {
		w.log.Warn(ctx, "connection lost")
	}

	for _, cb := range callbacks {
		cb(online)
	}
}

// Start runs the probe loop until ctx is cancelled. The first probe runs
// immediately so callers get an initial reading without waiting a full
// interval.
func (w *Watcher) Start(ctx context.Context) {
	w.CheckNow(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.CheckNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}
