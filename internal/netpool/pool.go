package netpool

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// Session is one reusable network path to a host: a dedicated transport so
// keep-alive connections stay with the session, wrapped in an http.Client.
// A session is leased to exactly one worker at a time.
type Session struct {
	host      string
	transport *http.Transport
	client    *http.Client

	lastUsed time.Time
	leased   bool
}

// Client returns the session's HTTP client. Callers put per-attempt
// deadlines on the request context rather than the client.
func (s *Session) Client() *http.Client { return s.client }

// Host returns the host the session is bound to.
func (s *Session) Host() string { return s.host }

func (s *Session) close() {
	s.transport.CloseIdleConnections()
}

type hostPool struct {
	slots chan struct{}
	free  []*Session
}

// Pool maintains reusable sessions keyed by host, with a per-host cap, a
// global cap, and a background sweep that evicts sessions idle past the
// threshold. Acquire blocks until a slot frees or the context ends.
type Pool struct {
	maxPerHost  int
	maxTotal    int
	idleTimeout time.Duration

	globalSlots chan struct{}

	mu     sync.Mutex
	hosts  map[string]*hostPool
	closed bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

func New(maxPerHost, maxTotal int, idleTimeout, sweepInterval time.Duration) *Pool {
	if maxPerHost <= 0 {
		maxPerHost = 6
	}
	if maxTotal < maxPerHost {
		maxTotal = maxPerHost
	}
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}

	p := &Pool{
		maxPerHost:  maxPerHost,
		maxTotal:    maxTotal,
		idleTimeout: idleTimeout,
		globalSlots: make(chan struct{}, maxTotal),
		hosts:       make(map[string]*hostPool),
		sweepStop:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}

	go p.sweep(sweepInterval)
	return p
}

// Acquire leases a session for host, creating one if the host is under its
// cap. It blocks while the host (or the whole pool) is at capacity.
// connectTimeout seeds the dialer when a fresh session must be built.
func (p *Pool) Acquire(ctx context.Context, host string, connectTimeout time.Duration) (*Session, error) {
	select {
	case p.globalSlots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	hp := p.hostPool(host)

	select {
	case hp.slots <- struct{}{}:
	case <-ctx.Done():
		<-p.globalSlots
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		<-hp.slots
		<-p.globalSlots
		return nil, ErrPoolClosed
	}

	var sess *Session
	if n := len(hp.free); n > 0 {
		sess = hp.free[n-1]
		hp.free = hp.free[:n-1]
	} else {
		sess = p.newSession(host, connectTimeout)
	}

	sess.leased = true
	sess.lastUsed = time.Now()
	return sess, nil
}

// Release returns a leased session. Unhealthy sessions are discarded rather
// than pooled so a broken connection never gets handed to the next worker.
func (p *Pool) Release(sess *Session, healthy bool) {
	if sess == nil {
		return
	}

	p.mu.Lock()
	hp := p.hosts[sess.host]
	sess.leased = false
	sess.lastUsed = time.Now()
	if healthy && !p.closed && hp != nil {
		hp.free = append(hp.free, sess)
	} else {
		sess.close()
	}
	p.mu.Unlock()

	if hp != nil {
		<-hp.slots
	}
	<-p.globalSlots
}

// Close stops the sweeper and drops every pooled session. Leased sessions
// are closed by their Release.
func (p *Pool) Close() {
	close(p.sweepStop)
	<-p.sweepDone

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, hp := range p.hosts {
		for _, sess := range hp.free {
			sess.close()
		}
		hp.free = nil
	}
}

func (p *Pool) hostPool(host string) *hostPool {
	p.mu.Lock()
	defer p.mu.Unlock()

	hp, ok := p.hosts[host]
	if !ok {
		hp = &hostPool{slots: make(chan struct{}, p.maxPerHost)}
		p.hosts[host] = hp
	}
	return hp
}

func (p *Pool) newSession(host string, connectTimeout time.Duration) *Session {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        2,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     p.idleTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Session{
		host:      host,
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
}

// sweep periodically drops free sessions that have sat idle too long.
func (p *Pool) sweep(interval time.Duration) {
	defer close(p.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, hp := range p.hosts {
		kept := hp.free[:0]
		for _, sess := range hp.free {
			if sess.lastUsed.Before(cutoff) {
				sess.close()
			} else {
				kept = append(kept, sess)
			}
		}
		hp.free = kept
	}
}

// Stats reports pooled (free) and leased counts, mainly for tests and the
// status endpoint.
func (p *Pool) Stats() (free, leased int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A slot token is held for exactly the duration of a lease, so the
	// channel length is the leased count
	for _, hp := range p.hosts {
		free += len(hp.free)
		leased += len(hp.slots)
	}
	return free, leased
}
