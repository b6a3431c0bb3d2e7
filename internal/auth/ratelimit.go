package auth

import (
	"sync"
	"time"
)

// ActivationLimiter enforces "at most N failed activation attempts per
// remote IP per fixed window"; successful attempts never count against it.
// Modeled on the per-key map + periodic-cleanup pattern used for connection
// gating in the retrieval pack's SSH tunnel servers, but with a fixed
// counting window rather than a token bucket: a client that exhausts its
// budget stays blocked for the rest of the window rather than earning a
// fresh attempt every window/max as a bucket would refill one.
type ActivationLimiter struct {
	mu      sync.Mutex
	entries map[string]*window
	max     int
	window  time.Duration
	stop    chan struct{}
}

type window struct {
	start    time.Time
	count    int
	lastSeen time.Time
}

// NewActivationLimiter builds a limiter allowing max failed attempts per
// window, per source IP.
func NewActivationLimiter(max int, windowSize time.Duration) *ActivationLimiter {
	if max < 1 {
		max = 1
	}
	l := &ActivationLimiter{
		entries: make(map[string]*window),
		max:     max,
		window:  windowSize,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Blocked reports whether ip has exhausted its failed-attempt budget for
// the window currently in progress, without recording an attempt, and if so
// how long remains until the window resets.
func (l *ActivationLimiter) Blocked(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.entries[ip]
	if !ok || now.Sub(w.start) >= l.window {
		return false, 0
	}
	if w.count < l.max {
		return false, 0
	}
	return true, l.window - now.Sub(w.start)
}

// RecordFailure counts one failed activation attempt for ip against its
// current window, starting a new window if the previous one has elapsed.
// Successful attempts must never call this.
func (l *ActivationLimiter) RecordFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.entries[ip]
	if !ok || now.Sub(w.start) >= l.window {
		w = &window{start: now}
		l.entries[ip] = w
	}
	w.count++
	w.lastSeen = now
}

func (l *ActivationLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * l.window)
			l.mu.Lock()
			for ip, w := range l.entries {
				if w.lastSeen.Before(cutoff) {
					delete(l.entries, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop terminates the cleanup goroutine.
func (l *ActivationLimiter) Stop() {
	close(l.stop)
}
