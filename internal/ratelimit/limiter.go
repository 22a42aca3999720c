// Package ratelimit bounds the request rate of each client with a sliding log
// of admission timestamps.
package ratelimit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Defaults used when Config fields are zero.
const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxRequests = 30
)

// UnknownClient is the key used for requests without a client identifier.
const UnknownClient = "unknown"

// RejectMessage is the human-readable text shown to rejected clients.
const RejectMessage = "Too Many Requests, please slow down and try again later."

// ErrRateLimited marks a request rejected by the limiter.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config controls the window length and admission threshold.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// Decision describes the outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the oldest stored stamp leaves the window.
	// Zero when the request was admitted.
	RetryAfter time.Duration
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time
	// removed is set under mu once Sweep has dropped the window from the map.
	removed bool
}

// Limiter admits at most MaxRequests per client in any trailing Window.
type Limiter struct {
	cfg   Config
	clock func() time.Time

	mu      sync.RWMutex
	clients map[string]*window

	// testHookAfterLookup runs between the map lookup and the window lock.
	testHookAfterLookup func()
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used by Check and RunSweeper.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New returns a Limiter with defaults applied to zero config fields.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	l := &Limiter{
		cfg:     cfg,
		clock:   func() time.Time { return time.Now().UTC() },
		clients: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Admit records a request from clientID at now and reports whether it is allowed.
// Rejected requests are not recorded.
func (l *Limiter) Admit(clientID string, now time.Time) bool {
	return l.decide(clientID, now).Allowed
}

// Check is Admit at the limiter's clock, returning header-ready detail.
func (l *Limiter) Check(clientID string) Decision {
	return l.decide(clientID, l.clock())
}

func (l *Limiter) decide(clientID string, now time.Time) Decision {
	w := l.lockWindow(normalizeID(clientID))
	defer w.mu.Unlock()

	w.prune(now.Add(-l.cfg.Window))

	if len(w.stamps) >= l.cfg.MaxRequests {
		retry := w.stamps[0].Add(l.cfg.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Limit: l.cfg.MaxRequests, Remaining: 0, RetryAfter: retry}
	}

	w.stamps = append(w.stamps, now)
	return Decision{Allowed: true, Limit: l.cfg.MaxRequests, Remaining: l.cfg.MaxRequests - len(w.stamps)}
}

// lockWindow returns the live window for id with its mutex held. A window
// swept between lookup and lock is discarded and looked up again.
func (l *Limiter) lockWindow(id string) *window {
	for {
		w := l.window(id)
		if l.testHookAfterLookup != nil {
			l.testHookAfterLookup()
		}
		w.mu.Lock()
		if !w.removed {
			return w
		}
		w.mu.Unlock()
	}
}

func (l *Limiter) window(id string) *window {
	l.mu.RLock()
	w, ok := l.clients[id]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.clients[id]; ok {
		return w
	}
	w = &window{}
	l.clients[id] = w
	return w
}

// prune drops stamps at or before cutoff. Stamps are oldest first.
func (w *window) prune(cutoff time.Time) {
	idx := sort.Search(len(w.stamps), func(i int) bool {
		return w.stamps[i].After(cutoff)
	})
	if idx == 0 {
		return
	}
	n := copy(w.stamps, w.stamps[idx:])
	clear(w.stamps[n:])
	w.stamps = w.stamps[:n]
}

// Sweep removes clients with no stamps inside the window ending at now and
// returns how many were removed.
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.clients {
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.stamps) == 0 {
			w.removed = true
			delete(l.clients, id)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done. The onSweep callback,
// when non-nil, receives the number of removed clients.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := l.Sweep(l.clock())
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}

func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return UnknownClient
	}
	return id
}
