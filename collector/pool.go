package collector

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Conn is an authenticated HTTP client bound to one cluster endpoint.
type Conn struct {
	Endpoint string
	HTTP     *http.Client
	Created  time.Time
}

// ConnectFunc establishes a new connection to endpoint. It is the expensive
// part of a fetch (token acquisition may shell out to a CLI) and runs at most
// once per endpoint while the connection stays healthy.
type ConnectFunc func(ctx context.Context, endpoint string) (*Conn, error)

// Pool keeps one live connection per distinct endpoint. Connections are
// created lazily on first use and reused by every later fetch against the same
// endpoint. Concurrent first use of an endpoint results in a single connect.
type Pool struct {
	mu      sync.Mutex
	conns   map[string]*Conn
	group   singleflight.Group
	connect ConnectFunc
}

// NewPool creates an empty pool that uses connect to open connections.
func NewPool(connect ConnectFunc) *Pool {
	return &Pool{
		conns:   make(map[string]*Conn),
		connect: connect,
	}
}

// Get returns the cached connection for endpoint or opens a new one.
func (p *Pool) Get(ctx context.Context, endpoint string) (*Conn, error) {
	if c := p.lookup(endpoint); c != nil {
		return c, nil
	}

	v, err, _ := p.group.Do(endpoint, func() (any, error) {
		// Another caller may have finished connecting while we waited.
		if c := p.lookup(endpoint); c != nil {
			return c, nil
		}
		c, err := p.connect(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.conns[endpoint] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

// Drop forgets the connection for endpoint so the next Get reconnects.
func (p *Pool) Drop(endpoint string) {
	p.mu.Lock()
	c, ok := p.conns[endpoint]
	delete(p.conns, endpoint)
	p.mu.Unlock()

	if ok && c.HTTP != nil {
		c.HTTP.CloseIdleConnections()
	}
}

// Len returns the number of live connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close releases every connection in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	for _, c := range conns {
		if c.HTTP != nil {
			c.HTTP.CloseIdleConnections()
		}
	}
}

func (p *Pool) lookup(endpoint string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[endpoint]
}
