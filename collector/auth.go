package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/mdrakiburrahman/kusto-pinger/config"
)

// TokenSourceFunc returns the token source used for one cluster. resource is
// the token audience, normally the cluster endpoint.
type TokenSourceFunc func(resource string) oauth2.TokenSource

// NewTokenSourceFunc builds the token source factory for the configured auth
// mode. It returns nil for mode "none", meaning requests go out unauthenticated.
func NewTokenSourceFunc(cfg config.AuthConfig) (TokenSourceFunc, error) {
	switch cfg.Mode {
	case "", "azcli":
		return func(resource string) oauth2.TokenSource {
			return &azCLITokenSource{resource: resource, run: runCommand}
		}, nil
	case "token":
		tok := &oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}
		return func(string) oauth2.TokenSource {
			return oauth2.StaticTokenSource(tok)
		}, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// commandRunner runs an external command and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// azTokenTimeout bounds one "az account get-access-token" call, which may hit
// the network to refresh the CLI's own session.
const azTokenTimeout = time.Minute

// azCLITokenSource obtains tokens from the Azure CLI's logged-in session.
type azCLITokenSource struct {
	resource string
	run      commandRunner
}

// azAccessToken is the subset of "az account get-access-token -o json" we use.
// Newer CLIs add expires_on (unix seconds); older ones only expiresOn (local time).
type azAccessToken struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresOn   string `json:"expiresOn"`
	ExpiresOnTS int64  `json:"expires_on"`
}

func (s *azCLITokenSource) Token() (*oauth2.Token, error) {
	return s.TokenContext(context.Background())
}

// TokenContext runs the CLI bounded by ctx and by azTokenTimeout, whichever
// ends first.
func (s *azCLITokenSource) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, azTokenTimeout)
	defer cancel()

	out, err := s.run(ctx, "az", "account", "get-access-token",
		"--resource", s.resource, "--output", "json")
	if err != nil {
		return nil, fmt.Errorf("azure cli token: %w", err)
	}

	var resp azAccessToken
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("decode azure cli token: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("azure cli returned an empty access token")
	}

	tok := &oauth2.Token{AccessToken: resp.AccessToken, TokenType: "Bearer"}
	switch {
	case resp.ExpiresOnTS > 0:
		tok.Expiry = time.Unix(resp.ExpiresOnTS, 0)
	case resp.ExpiresOn != "":
		if t, err := time.ParseInLocation("2006-01-02 15:04:05.999999", resp.ExpiresOn, time.Local); err == nil {
			tok.Expiry = t
		}
	}
	return tok, nil
}

// ContextTokenSource is a token source whose fetch can be bounded by a
// context.
type ContextTokenSource interface {
	oauth2.TokenSource
	TokenContext(ctx context.Context) (*oauth2.Token, error)
}

// TokenContext fetches a token from ts, giving up when ctx ends. Sources that
// do not take a context are left running in the background on cancellation.
func TokenContext(ctx context.Context, ts oauth2.TokenSource) (*oauth2.Token, error) {
	if c, ok := ts.(ContextTokenSource); ok {
		return c.TokenContext(ctx)
	}
	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	go func() {
		tok, err := ts.Token()
		ch <- result{tok, err}
	}()
	select {
	case r := <-ch:
		return r.tok, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cachedTokenSource holds the current token and fetches a new one from src
// once it expires, like oauth2.ReuseTokenSource but bounded by the caller's
// context.
type cachedTokenSource struct {
	src oauth2.TokenSource

	mu  sync.Mutex
	tok *oauth2.Token
}

func newCachedTokenSource(src oauth2.TokenSource) *cachedTokenSource {
	return &cachedTokenSource{src: src}
}

func (c *cachedTokenSource) Token() (*oauth2.Token, error) {
	return c.TokenContext(context.Background())
}

func (c *cachedTokenSource) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok.Valid() {
		return c.tok, nil
	}
	tok, err := TokenContext(ctx, c.src)
	if err != nil {
		return nil, err
	}
	c.tok = tok
	return tok, nil
}

// bearerTransport sets the Authorization header from a cached token source,
// refreshing within the request's context.
type bearerTransport struct {
	source *cachedTokenSource
	base   http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.source.TokenContext(req.Context())
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, fmt.Errorf("acquire token: %w", err)
	}
	r := req.Clone(req.Context())
	tok.SetAuthHeader(r)
	return t.base.RoundTrip(r)
}
