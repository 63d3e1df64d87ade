package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mdrakiburrahman/kusto-pinger/config"
)

// fakeKusto serves /v1/rest/mgmt. status is returned when non-zero.
type fakeKusto struct {
	status   atomic.Int32
	requests atomic.Int32
	conns    atomic.Int32
	lastReq  atomic.Value // mgmtRequest
	lastAuth atomic.Value // string
}

func (f *fakeKusto) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/rest/mgmt" {
			http.NotFound(w, r)
			return
		}
		var req mgmtRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.lastReq.Store(req)
		f.lastAuth.Store(r.Header.Get("Authorization"))

		if code := int(f.status.Load()); code != 0 {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"code":"Boom","message":"cluster unhappy"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(statusResponse))
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			f.conns.Add(1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

// tokenFunc adapts a function to oauth2.TokenSource.
type tokenFunc func() (string, error)

func (f tokenFunc) Token() (*oauth2.Token, error) {
	s, err := f()
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: s, TokenType: "Bearer"}, nil
}

func newTestCollector(t *testing.T, auth config.AuthConfig) *KustoCollector {
	t.Helper()
	k, err := NewKustoCollector(Options{Auth: auth, Timeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(k.Close)
	return k
}

func TestKustoCollectorCollect(t *testing.T) {
	fake := &fakeKusto{}
	srv := fake.start(t)
	k := newTestCollector(t, config.AuthConfig{Mode: "token", Token: "secret"})

	target := config.Target{Endpoint: srv.URL, Database: "telemetry", Name: "a"}
	rows, err := k.Collect(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	v, _ := rows[0].Get(ColumnTableName)
	assert.Equal(t, "T1", v)
	assert.Equal(t, mgmtRequest{DB: "telemetry", CSL: StatusQuery}, fake.lastReq.Load())
	assert.Equal(t, "Bearer secret", fake.lastAuth.Load())
}

func TestKustoCollectorReusesConnection(t *testing.T) {
	fake := &fakeKusto{}
	srv := fake.start(t)
	k := newTestCollector(t, config.AuthConfig{Mode: "none"})

	target := config.Target{Endpoint: srv.URL, Database: "db", Name: "a"}
	for i := 0; i < 3; i++ {
		_, err := k.Collect(context.Background(), target)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), fake.requests.Load())
	assert.Equal(t, int32(1), fake.conns.Load())
	assert.Equal(t, 1, k.pool.Len())
	assert.Equal(t, "", fake.lastAuth.Load())
}

func TestKustoCollectorQueryError(t *testing.T) {
	fake := &fakeKusto{}
	fake.status.Store(http.StatusInternalServerError)
	srv := fake.start(t)
	k := newTestCollector(t, config.AuthConfig{Mode: "none"})

	_, err := k.Collect(context.Background(), config.Target{Endpoint: srv.URL, Database: "db", Name: "b"})
	require.Error(t, err)

	var fe *SourceFetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "b", fe.Source)
	assert.Equal(t, StageQuery, fe.Stage)
	assert.Contains(t, err.Error(), "Boom: cluster unhappy")

	// The connection survives a query failure.
	assert.Equal(t, 1, k.pool.Len())
}

func TestKustoCollectorUnauthorizedDropsConnection(t *testing.T) {
	fake := &fakeKusto{}
	fake.status.Store(http.StatusUnauthorized)
	srv := fake.start(t)

	var tokens atomic.Int32
	k := newTestCollector(t, config.AuthConfig{Mode: "none"})
	k.tokens = func(string) oauth2.TokenSource {
		return tokenFunc(func() (string, error) {
			return fmt.Sprintf("t%d", tokens.Add(1)), nil
		})
	}

	target := config.Target{Endpoint: srv.URL, Database: "db", Name: "a"}
	_, err := k.Collect(context.Background(), target)
	var fe *SourceFetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, StageConnect, fe.Stage)
	assert.Equal(t, 0, k.pool.Len())

	fake.status.Store(0)
	_, err = k.Collect(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, int32(2), tokens.Load())
	assert.Equal(t, "Bearer t2", fake.lastAuth.Load())
}

func TestKustoCollectorTokenBoundedByTimeout(t *testing.T) {
	fake := &fakeKusto{}
	srv := fake.start(t)
	k, err := NewKustoCollector(Options{Auth: config.AuthConfig{Mode: "none"}, Timeout: 100 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(k.Close)

	// An az CLI that never answers on its own.
	hung := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	k.tokens = func(resource string) oauth2.TokenSource {
		return &azCLITokenSource{resource: resource, run: hung}
	}

	start := time.Now()
	_, err = k.Collect(context.Background(), config.Target{Endpoint: srv.URL, Database: "db", Name: "a"})
	took := time.Since(start)

	var fe *SourceFetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, StageConnect, fe.Stage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, took, 5*time.Second)
	assert.Equal(t, int32(0), fake.requests.Load())
}

func TestKustoCollectorTokenHonoursCancellation(t *testing.T) {
	fake := &fakeKusto{}
	srv := fake.start(t)
	k := newTestCollector(t, config.AuthConfig{Mode: "none"})

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	k.tokens = func(string) oauth2.TokenSource {
		return tokenFunc(func() (string, error) {
			<-release
			return "late", nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := k.Collect(ctx, config.Target{Endpoint: srv.URL, Database: "db", Name: "a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, k.pool.Len())
}

func TestKustoCollectorTokenFailure(t *testing.T) {
	fake := &fakeKusto{}
	srv := fake.start(t)
	k := newTestCollector(t, config.AuthConfig{Mode: "none"})
	k.tokens = func(string) oauth2.TokenSource {
		return tokenFunc(func() (string, error) { return "", errors.New("please run az login") })
	}

	_, err := k.Collect(context.Background(), config.Target{Endpoint: srv.URL, Database: "db", Name: "a"})
	var fe *SourceFetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, StageConnect, fe.Stage)
	assert.Contains(t, err.Error(), "please run az login")
	assert.Equal(t, int32(0), fake.requests.Load())
}

func TestKustoCollectorUnreachable(t *testing.T) {
	k := newTestCollector(t, config.AuthConfig{Mode: "none"})
	k.Timeout = time.Second

	// Nothing listens on the discard port of the loopback address.
	_, err := k.Collect(context.Background(), config.Target{Endpoint: "http://127.0.0.1:9", Database: "db", Name: "a"})
	var fe *SourceFetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, StageConnect, fe.Stage)
	assert.Equal(t, 0, k.pool.Len())
}

func TestKustoCollectorDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Tables": [`))
	}))
	t.Cleanup(srv.Close)
	k := newTestCollector(t, config.AuthConfig{Mode: "none"})

	_, err := k.Collect(context.Background(), config.Target{Endpoint: srv.URL + "/", Database: "db", Name: "a"})
	var fe *SourceFetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, StageDecode, fe.Stage)
	assert.True(t, strings.HasPrefix(err.Error(), "fetch a: decode:"), err.Error())
}
