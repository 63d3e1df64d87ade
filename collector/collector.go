package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mdrakiburrahman/kusto-pinger/config"
)

// StatusQuery is the management command whose result the pinger samples.
const StatusQuery = ".show external tables operations query_acceleration statistics"

// Collector is the contract the scheduler polls: fetch the current status rows
// of one monitoring target.
type Collector interface {
	Collect(ctx context.Context, target config.Target) ([]RawRow, error)
}

// Dialer opens network connections; the bastion tunnel implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Options configures a KustoCollector.
type Options struct {
	Auth      config.AuthConfig
	Dialer    Dialer        // nil dials clusters directly
	Timeout   time.Duration // per-fetch deadline, 0 means 30s
	UserAgent string
}

// KustoCollector runs StatusQuery against Azure Data Explorer clusters through
// the v1 REST management endpoint. It keeps one authenticated connection per
// endpoint in a Pool and never retries on its own.
type KustoCollector struct {
	Query     string
	Timeout   time.Duration
	UserAgent string
	Log       *zap.Logger

	pool     *Pool
	tokens   TokenSourceFunc
	resource string
	dialer   Dialer
}

// NewKustoCollector returns a ready-to-use collector.
func NewKustoCollector(opts Options, log *zap.Logger) (*KustoCollector, error) {
	tokens, err := NewTokenSourceFunc(opts.Auth)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "kusto-pinger/0.1"
	}
	if log == nil {
		log = zap.NewNop()
	}

	k := &KustoCollector{
		Query:     StatusQuery,
		Timeout:   opts.Timeout,
		UserAgent: opts.UserAgent,
		Log:       log,
		tokens:    tokens,
		resource:  opts.Auth.Resource,
		dialer:    opts.Dialer,
	}
	k.pool = NewPool(k.connect)
	return k, nil
}

// Collect implements the Collector interface. Every error it returns is a
// *SourceFetchError naming the target.
func (k *KustoCollector) Collect(ctx context.Context, target config.Target) ([]RawRow, error) {
	ctx, cancel := context.WithTimeout(ctx, k.Timeout)
	defer cancel()

	conn, err := k.pool.Get(ctx, target.Endpoint)
	if err != nil {
		return nil, &SourceFetchError{Source: target.Name, Stage: StageConnect, Err: err}
	}

	rows, err := k.query(ctx, conn, target)
	if err != nil {
		var fe *SourceFetchError
		if errors.As(err, &fe) && fe.Stage == StageConnect {
			// Broken transport or rejected credentials: reconnect next cycle.
			k.pool.Drop(target.Endpoint)
			k.Log.Debug("dropped connection", zap.String("endpoint", target.Endpoint))
		}
		return nil, err
	}
	return rows, nil
}

// Close releases all pooled connections.
func (k *KustoCollector) Close() {
	k.pool.Close()
}

func (k *KustoCollector) connect(ctx context.Context, endpoint string) (*Conn, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if k.dialer != nil {
		transport.Proxy = nil
		transport.DialContext = k.dialer.DialContext
	} else {
		d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		transport.DialContext = d.DialContext
	}

	var rt http.RoundTripper = transport
	if k.tokens != nil {
		resource := k.resource
		if resource == "" {
			resource = endpoint
		}
		ts := newCachedTokenSource(k.tokens(resource))
		// Acquire the first token now so credential problems surface as
		// connection failures, and so later fetches only refresh on expiry.
		if _, err := ts.TokenContext(ctx); err != nil {
			transport.CloseIdleConnections()
			return nil, fmt.Errorf("acquire token for %s: %w", resource, err)
		}
		rt = &bearerTransport{source: ts, base: transport}
	}

	k.Log.Info("connected", zap.String("endpoint", endpoint))
	return &Conn{
		Endpoint: endpoint,
		HTTP:     &http.Client{Transport: rt},
		Created:  time.Now(),
	}, nil
}

// mgmtRequest is the body of POST /v1/rest/mgmt.
type mgmtRequest struct {
	DB  string `json:"db"`
	CSL string `json:"csl"`
}

func (k *KustoCollector) query(ctx context.Context, conn *Conn, target config.Target) ([]RawRow, error) {
	fail := func(stage string, err error) error {
		return &SourceFetchError{Source: target.Name, Stage: stage, Err: err}
	}

	body, err := json.Marshal(mgmtRequest{DB: target.Database, CSL: k.Query})
	if err != nil {
		return nil, fail(StageQuery, err)
	}

	url := strings.TrimSuffix(conn.Endpoint, "/") + "/v1/rest/mgmt"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fail(StageQuery, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ms-app", "kusto-pinger")
	req.Header.Set("x-ms-client-request-id", "KP.mgmt;"+uuid.NewString())
	if k.UserAgent != "" {
		req.Header.Set("User-Agent", k.UserAgent)
	}

	resp, err := conn.HTTP.Do(req)
	if err != nil {
		return nil, fail(StageConnect, err)
	}
	defer func() {
		// Drain so the keep-alive connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("kusto returned %d: %s", resp.StatusCode, kustoErrorMessage(b))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fail(StageConnect, err)
		}
		return nil, fail(StageQuery, err)
	}

	rows, err := decodeV1(resp.Body)
	if err != nil {
		return nil, fail(StageDecode, err)
	}
	k.Log.Debug("query completed",
		zap.String("source", target.Name),
		zap.Int("rows", len(rows)))
	return rows, nil
}
