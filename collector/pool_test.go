package collector

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingConnect(calls *atomic.Int32, delay time.Duration) ConnectFunc {
	return func(ctx context.Context, endpoint string) (*Conn, error) {
		calls.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		return &Conn{Endpoint: endpoint, HTTP: &http.Client{}, Created: time.Now()}, nil
	}
}

func TestPoolReusesConnection(t *testing.T) {
	var calls atomic.Int32
	p := NewPool(countingConnect(&calls, 0))

	first, err := p.Get(context.Background(), "https://a.example.com")
	require.NoError(t, err)
	second, err := p.Get(context.Background(), "https://a.example.com")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	_, err = p.Get(context.Background(), "https://b.example.com")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, p.Len())
}

func TestPoolConcurrentFirstUse(t *testing.T) {
	var calls atomic.Int32
	p := NewPool(countingConnect(&calls, 20*time.Millisecond))

	var wg sync.WaitGroup
	conns := make([]*Conn, 8)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Get(context.Background(), "https://a.example.com")
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
}

func TestPoolDropReconnects(t *testing.T) {
	var calls atomic.Int32
	p := NewPool(countingConnect(&calls, 0))

	first, err := p.Get(context.Background(), "https://a.example.com")
	require.NoError(t, err)
	p.Drop("https://a.example.com")
	assert.Equal(t, 0, p.Len())

	second, err := p.Get(context.Background(), "https://a.example.com")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), calls.Load())

	// Dropping an unknown endpoint is a no-op.
	p.Drop("https://nope.example.com")
	assert.Equal(t, 1, p.Len())
}

func TestPoolConnectErrorIsNotCached(t *testing.T) {
	var calls atomic.Int32
	p := NewPool(func(ctx context.Context, endpoint string) (*Conn, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("login required")
		}
		return &Conn{Endpoint: endpoint}, nil
	})

	_, err := p.Get(context.Background(), "https://a.example.com")
	require.EqualError(t, err, "login required")
	assert.Equal(t, 0, p.Len())

	c, err := p.Get(context.Background(), "https://a.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example.com", c.Endpoint)
}

func TestPoolClose(t *testing.T) {
	var calls atomic.Int32
	p := NewPool(countingConnect(&calls, 0))
	_, _ = p.Get(context.Background(), "https://a.example.com")
	_, _ = p.Get(context.Background(), "https://b.example.com")

	p.Close()
	assert.Equal(t, 0, p.Len())
}
