package shardclient

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/workersql/gateway/internal/gwerrors"
)

// Pool tuning, adapted down from replication_engine_v3.go's connection-pool
// constants (MaxIdleConns=500, MaxConnsPerHost=250) to a budget that fits
// one gateway instance talking to a modest shard fleet rather than an
// object-storage replication fan-out.
const (
	maxIdleConns        = 64
	maxConnsPerHost     = 32
	idleConnTimeout     = 90 * time.Second
	responseHeaderWait  = 30 * time.Second
)

// Pool maps ShardId to a base URL and a pooled *http.Client configured for
// HTTP/2 (golang.org/x/net/http2), one client shared by all callers of
// that shard rather than replication_engine_v3.go's
// array-of-clients-plus-round-robin (an http.Client's Transport already
// multiplexes HTTP/2 streams over a shared connection, making a manual
// round robin redundant here; see DESIGN.md).
type Pool struct {
	mu      sync.RWMutex
	shards  map[string]string // shardID -> baseURL
	clients map[string]*http.Client
}

// NewPool constructs an empty Pool. Register shard endpoints with Add.
func NewPool() *Pool {
	return &Pool{
		shards:  make(map[string]string),
		clients: make(map[string]*http.Client),
	}
}

// Add registers shardID's base URL (e.g. "https://shard-a.internal:9443")
// and builds its pooled HTTP/2 client right away.
func (p *Pool) Add(shardID, baseURL string) {
	transport := &http.Transport{
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxConnsPerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: responseHeaderWait,
	}
	_ = http2.ConfigureTransport(transport)

	client := &http.Client{Transport: transport}

	p.mu.Lock()
	p.shards[shardID] = baseURL
	p.clients[shardID] = client
	p.mu.Unlock()
}

// Remove drops shardID from the pool, closing its idle connections.
func (p *Pool) Remove(shardID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[shardID]; ok {
		c.CloseIdleConnections()
	}
	delete(p.shards, shardID)
	delete(p.clients, shardID)
}

// ClientFor returns the pooled client and base URL for shardID.
func (p *Pool) ClientFor(shardID string) (*http.Client, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[shardID]
	if !ok {
		return nil, "", gwerrors.New(gwerrors.ConnectionError, "no endpoint registered for shard %s", shardID)
	}
	return c, p.shards[shardID], nil
}

// Shutdown closes idle connections on every pooled client.
func (p *Pool) Shutdown() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
}

// breakerRegistry hands out one Breaker per shard, created lazily with
// uniform thresholds.
type breakerRegistry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int64
	successThreshold int64
	window           time.Duration
	cooldown         time.Duration
}

func newBreakerRegistry(failureThreshold, successThreshold int64, window, cooldown time.Duration) *breakerRegistry {
	return &breakerRegistry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		window:           window,
		cooldown:         cooldown,
	}
}

func (r *breakerRegistry) get(shardID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[shardID]
	if !ok {
		b = NewBreaker(r.failureThreshold, r.successThreshold, r.window, r.cooldown)
		r.breakers[shardID] = b
	}
	return b
}
