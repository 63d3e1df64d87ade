package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mdrakiburrahman/kusto-pinger/config"
)

func fakeRunner(out string, err error, gotArgs *[]string) commandRunner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if gotArgs != nil {
			*gotArgs = append([]string{name}, args...)
		}
		return []byte(out), err
	}
}

func TestAzCLITokenSource(t *testing.T) {
	tests := []struct {
		name       string
		out        string
		wantToken  string
		wantExpiry time.Time
	}{
		{
			name:       "unix expiry",
			out:        `{"accessToken":"abc","tokenType":"Bearer","expiresOn":"2024-05-01 10:00:00.000000","expires_on":1714557600}`,
			wantToken:  "abc",
			wantExpiry: time.Unix(1714557600, 0),
		},
		{
			name:       "local expiry",
			out:        `{"accessToken":"def","expiresOn":"2024-05-01 10:00:00.123456"}`,
			wantToken:  "def",
			wantExpiry: time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.Local),
		},
		{
			name:      "no expiry",
			out:       `{"accessToken":"ghi"}`,
			wantToken: "ghi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args []string
			ts := &azCLITokenSource{resource: "https://a.kusto.windows.net", run: fakeRunner(tt.out, nil, &args)}

			tok, err := ts.Token()
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, tok.AccessToken)
			assert.Equal(t, "Bearer", tok.TokenType)
			assert.True(t, tt.wantExpiry.Equal(tok.Expiry), "expiry %v, want %v", tok.Expiry, tt.wantExpiry)
			assert.Equal(t,
				[]string{"az", "account", "get-access-token", "--resource", "https://a.kusto.windows.net", "--output", "json"},
				args)
		})
	}
}

func TestAzCLITokenSourceErrors(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		err     error
		wantErr string
	}{
		{"command fails", "", errors.New("az: exit status 1: Please run 'az login'"), "az login"},
		{"bad json", "ERROR", nil, "decode azure cli token"},
		{"empty token", `{"accessToken":""}`, nil, "empty access token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := &azCLITokenSource{resource: "r", run: fakeRunner(tt.out, tt.err, nil)}
			tok, err := ts.Token()
			require.Error(t, err)
			assert.Nil(t, tok)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewTokenSourceFunc(t *testing.T) {
	fn, err := NewTokenSourceFunc(config.AuthConfig{Mode: "none"})
	require.NoError(t, err)
	assert.Nil(t, fn)

	fn, err = NewTokenSourceFunc(config.AuthConfig{Mode: "token", Token: "static"})
	require.NoError(t, err)
	require.NotNil(t, fn)
	tok, err := fn("https://a.example.com").Token()
	require.NoError(t, err)
	assert.Equal(t, "static", tok.AccessToken)

	fn, err = NewTokenSourceFunc(config.AuthConfig{Mode: "azcli"})
	require.NoError(t, err)
	require.NotNil(t, fn)
	assert.IsType(t, &azCLITokenSource{}, fn("r"))

	_, err = NewTokenSourceFunc(config.AuthConfig{Mode: "kerberos"})
	assert.ErrorContains(t, err, "unknown auth mode")
}

func TestAzCLITokenSourceHonoursContext(t *testing.T) {
	var sawDeadline bool
	ts := &azCLITokenSource{resource: "r", run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		deadline, ok := ctx.Deadline()
		sawDeadline = ok && time.Until(deadline) < time.Second
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ts.TokenContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, sawDeadline, "the shorter caller deadline wins over azTokenTimeout")
}

func TestCachedTokenSource(t *testing.T) {
	var calls atomic.Int32
	expiry := time.Now().Add(time.Hour)
	src := oauth2.TokenSource(tokenSourceFunc(func() (*oauth2.Token, error) {
		calls.Add(1)
		return &oauth2.Token{AccessToken: "a", TokenType: "Bearer", Expiry: expiry}, nil
	}))
	c := newCachedTokenSource(src)

	for i := 0; i < 3; i++ {
		tok, err := c.Token()
		require.NoError(t, err)
		assert.Equal(t, "a", tok.AccessToken)
	}
	assert.Equal(t, int32(1), calls.Load())

	// An expired token is fetched again.
	expiry = time.Now().Add(-time.Minute)
	c.tok.Expiry = expiry
	_, err := c.TokenContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBearerTransport(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	rt := &bearerTransport{
		source: newCachedTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "xyz"})),
		base:   http.DefaultTransport,
	}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := (&http.Client{Transport: rt}).Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer xyz", got)
	assert.Empty(t, req.Header.Get("Authorization"), "the caller's request is not modified")
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }
