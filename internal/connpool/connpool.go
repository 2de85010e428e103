// Package connpool implements the Connection Pool (§4.7): connections are
// keyed by (sourceIP, MX hostname, port) and may be reused across
// deliveries when the prior delivery on that connection succeeded and the
// connection's usage count is still under the configured reuse limit. A
// reused connection skips GREETING/EHLO/STARTTLS/AUTH on its next use.
//
// Grounded on internal/smtpconn/pool.P, generalized from a generic
// Conn/New(key) shape to one that tracks per-connection success/usage
// state explicitly, since reuse eligibility here depends on the outcome
// of the delivery that last used the connection, not just its liveness.
package connpool

import (
	"sync"
	"time"
)

// Conn is the subset of the SMTP Client connection state the pool needs
// to decide reuse eligibility and to close idle entries.
type Conn interface {
	// Usable reports whether the underlying transport is still open and
	// the last delivery on it completed successfully.
	Usable() bool
	Close() error
}

// Key identifies one pooled connection slot.
type Key struct {
	SourceIP string
	MXHost   string
	Port     int
}

type entry struct {
	conn       Conn
	usageCount int
	lastUse    time.Time
}

// Config controls pool sizing and lifetime.
type Config struct {
	// ReuseCount is the maximum number of deliveries sent over one
	// connection before it is retired. Default 100 (§4.7).
	ReuseCount int
	// IdleTimeout evicts a pooled-but-unused connection after this long.
	// Default 5s (§4.7).
	IdleTimeout time.Duration
}

// Pool holds idle, reusable connections for one Zone Worker set (pools
// are in-process; §5 "Connection Pool: in-process").
type Pool struct {
	cfg Config

	mu      sync.Mutex
	entries map[Key]*entry
	stop    chan struct{}
	stopped bool
}

func New(cfg Config) *Pool {
	if cfg.ReuseCount <= 0 {
		cfg.ReuseCount = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Second
	}
	p := &Pool{
		cfg:     cfg,
		entries: make(map[Key]*entry),
		stop:    make(chan struct{}),
	}
	go p.evictLoop()
	return p
}

// Get removes and returns a reusable connection for key, if one is
// idle, usable, and under its reuse limit. ok is false if a fresh
// connection must be dialed.
func (p *Pool) Get(key Key) (conn Conn, usageCount int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, found := p.entries[key]
	if !found {
		return nil, 0, false
	}
	delete(p.entries, key)

	if !e.conn.Usable() || e.usageCount >= p.cfg.ReuseCount {
		e.conn.Close()
		return nil, 0, false
	}

	return e.conn, e.usageCount, true
}

// Put returns conn to the pool after a successful delivery, recording
// the connection's new usage count. Put closes conn instead of pooling
// it if the delivery failed (succeeded=false) or the reuse limit was
// already reached.
func (p *Pool) Put(key Key, conn Conn, usageCount int, succeeded bool) {
	if !succeeded || usageCount >= p.cfg.ReuseCount || !conn.Usable() {
		conn.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		conn.Close()
		return
	}

	if old, exists := p.entries[key]; exists {
		old.conn.Close()
	}
	p.entries[key] = &entry{conn: conn, usageCount: usageCount, lastUse: time.Now()}
}

func (p *Pool) evictLoop() {
	t := time.NewTicker(p.cfg.IdleTimeout)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.evictStale()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) evictStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	for k, e := range p.entries {
		if e.lastUse.Before(cutoff) {
			e.conn.Close()
			delete(p.entries, k)
		}
	}
}

// Close evicts and closes every pooled connection and stops the idle
// eviction loop.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stop)
	for k, e := range p.entries {
		e.conn.Close()
		delete(p.entries, k)
	}
}
