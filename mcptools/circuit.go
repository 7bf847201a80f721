package mcptools

import (
	"sync"
	"time"
)

// BreakerConfig configures the per-server circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that blocks a server.
	// It also bounds coordinated setup attempts (default: 3).
	MaxFailures int

	// Cooldown is how long a blocked server stays blocked before it may be
	// retried without an explicit success (default: 30s).
	Cooldown time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 3,
		Cooldown:    30 * time.Second,
	}
}

// serverRecord tracks breaker state for a single server.
type serverRecord struct {
	failures  int
	blocked   bool
	blockedAt time.Time
	lastError string
}

// CircuitBreaker tracks consecutive failures per tool server and filters
// blocked servers out of candidate lists. A single breaker is shared across
// setup attempts and tool executions, and may be shared across handlers; all
// state is guarded by one mutex.
type CircuitBreaker struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	records map[string]*serverRecord
}

// NewCircuitBreaker creates a circuit breaker, applying defaults for zero
// config values.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		cfg:     cfg,
		records: make(map[string]*serverRecord),
	}
}

// MaxFailures returns the configured blocking threshold.
func (b *CircuitBreaker) MaxFailures() int { return b.cfg.MaxFailures }

// RecordFailure records a failure against each named server. A server is
// blocked once its consecutive-failure count reaches MaxFailures.
func (b *CircuitBreaker) RecordFailure(names []string, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range names {
		rec := b.record(name)
		rec.failures++
		rec.lastError = reason
		if rec.failures >= b.cfg.MaxFailures && !rec.blocked {
			rec.blocked = true
			rec.blockedAt = time.Now()
		}
	}
}

// RecordSuccess resets the failure count for each named server and unblocks
// it.
func (b *CircuitBreaker) RecordSuccess(names []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range names {
		rec := b.record(name)
		rec.failures = 0
		rec.blocked = false
		rec.lastError = ""
	}
}

// Filter returns the subset of servers not currently blocked. An expired
// cooldown readmits a blocked server for one more try without resetting its
// failure count. Filtering never errors; an empty result means "no usable
// servers this attempt".
func (b *CircuitBreaker) Filter(servers []ServerConfig) []ServerConfig {
	b.mu.Lock()
	defer b.mu.Unlock()

	available := make([]ServerConfig, 0, len(servers))
	for _, srv := range servers {
		rec, ok := b.records[srv.Name]
		if !ok || !rec.blocked {
			available = append(available, srv)
			continue
		}
		if time.Since(rec.blockedAt) >= b.cfg.Cooldown {
			// Cooldown elapsed: readmit for a probe. The next failure
			// re-blocks immediately since failures stay at threshold.
			rec.blocked = false
			available = append(available, srv)
		}
	}
	return available
}

// Blocked reports whether the named server is currently blocked.
func (b *CircuitBreaker) Blocked(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[name]
	return ok && rec.blocked
}

// LastError returns the most recent failure reason recorded for the server.
func (b *CircuitBreaker) LastError(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.records[name]; ok {
		return rec.lastError
	}
	return ""
}

// Failures returns the current consecutive-failure count for the server.
func (b *CircuitBreaker) Failures(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.records[name]; ok {
		return rec.failures
	}
	return 0
}

// Reset clears all records. Primarily useful for testing.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = make(map[string]*serverRecord)
}

func (b *CircuitBreaker) record(name string) *serverRecord {
	rec, ok := b.records[name]
	if !ok {
		rec = &serverRecord{}
		b.records[name] = rec
	}
	return rec
}
