// Package guard limits repeated failed handshakes from the same remote host.
//
// Each host has a token bucket. A failed or timed-out handshake spends one
// token; a host with no tokens left is blocked until the bucket refills. A nil
// *Limiter is valid and never blocks.
package guard

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults
const (
	DefaultFailuresPerMinute = 6
	DefaultBurst             = 3
	pruneInterval            = time.Minute
)

// Config configures a Limiter.
type Config struct {
	// FailuresPerMinute is the refill rate of each host bucket.
	FailuresPerMinute int

	// Burst is the number of failures tolerated before blocking.
	Burst int

	// Now overrides the clock. Used in tests.
	Now func() time.Time
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		FailuresPerMinute: DefaultFailuresPerMinute,
		Burst:             DefaultBurst,
	}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks handshake failures per host.
type Limiter struct {
	mu        sync.Mutex
	hosts     map[string]*entry
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastPrune time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.FailuresPerMinute <= 0 {
		cfg.FailuresPerMinute = DefaultFailuresPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		hosts:     make(map[string]*entry),
		limit:     rate.Limit(float64(cfg.FailuresPerMinute) / 60.0),
		burst:     cfg.Burst,
		now:       cfg.Now,
		lastPrune: cfg.Now(),
	}
}

// RecordFailure spends one token for host and reports whether the host is
// now blocked.
func (l *Limiter) RecordFailure(host string) bool {
	if l == nil || host == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybePrune(now)

	e, ok := l.hosts[host]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.hosts[host] = e
	}
	e.lastSeen = now
	e.limiter.AllowN(now, 1)
	return e.limiter.TokensAt(now) < 1
}

// Blocked reports whether host has exhausted its failure budget.
func (l *Limiter) Blocked(host string) bool {
	if l == nil || host == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.hosts[host]
	if !ok {
		return false
	}
	return e.limiter.TokensAt(l.now()) < 1
}

// Reset forgets the failure history of host, typically after a successful
// handshake.
func (l *Limiter) Reset(host string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.hosts, host)
	l.mu.Unlock()
}

// Len returns the number of tracked hosts.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}

// Prune drops hosts whose bucket has fully refilled.
func (l *Limiter) Prune() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
}

func (l *Limiter) maybePrune(now time.Time) {
	if now.Sub(l.lastPrune) < pruneInterval {
		return
	}
	l.prune(now)
}

func (l *Limiter) prune(now time.Time) {
	for host, e := range l.hosts {
		if e.limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.hosts, host)
		}
	}
	l.lastPrune = now
}

// HostOf returns the IP part of a network address, or the whole string if it
// has no port.
func HostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
