package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdrakiburrahman/kusto-pinger/config"
)

const statusResponse = `{
  "Tables": [{
    "TableName": "Table_0",
    "Columns": [
      {"ColumnName": "ExternalTableName", "DataType": "String", "ColumnType": "string"},
      {"ColumnName": "PendingDataFilesCount", "DataType": "Int64", "ColumnType": "long"},
      {"ColumnName": "AccelerationPercentage", "DataType": "Double", "ColumnType": "real"}
    ],
    "Rows": [
      ["Orders", 1234, 42.5],
      ["Events", 0, 100]
    ]
  }]
}`

func fakeKusto(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rest/mgmt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(statusResponse))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunOnceThenReadBack(t *testing.T) {
	srv := fakeKusto(t)
	db := filepath.Join(t.TempDir(), "samples.db")
	common := []string{"--db", db, "--auth", "none"}

	out, err := execute(t, append([]string{"run", "--once", "--ui", "log",
		"--target", srv.URL + ":db1:alpha"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, `"msg":"cycle finished"`)
	assert.Contains(t, out, `"failed":0`)

	out, err = execute(t, append([]string{"sources"}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, "alpha\n", out)

	out, err = execute(t, append([]string{"history", "alpha"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Orders")
	assert.Contains(t, out, "1,234")
	assert.Contains(t, out, "42.5%")
	assert.Contains(t, out, "100.0%")

	out, err = execute(t, append([]string{"history", "alpha", "--json"}, common...)...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "alpha", first["source_name"])
	assert.Equal(t, "db1", first["source_database"])
	assert.Equal(t, "Orders", first["ExternalTableName"])

	csvPath := filepath.Join(t.TempDir(), "exports", "alpha.csv")
	_, err = execute(t, append([]string{"export", "alpha", "--out", csvPath}, common...)...)
	require.NoError(t, err)
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	rows := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, rows, 3)
	assert.True(t, strings.HasPrefix(rows[0], "captured_at,source_name,source_database,ExternalTableName"))

	out, err = execute(t, append([]string{"export", "alpha"}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, string(data), out)
}

func TestHistoryOfUnknownSource(t *testing.T) {
	db := filepath.Join(t.TempDir(), "samples.db")
	out, err := execute(t, "history", "nope", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "no samples for \"nope\"\n", out)
}

func TestRunRequiresTargets(t *testing.T) {
	db := filepath.Join(t.TempDir(), "samples.db")
	_, err := execute(t, "run", "--once", "--db", db)

	var cfgErr *config.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "targets", cfgErr.Key)
}

func TestInvalidConfigIsFatal(t *testing.T) {
	db := filepath.Join(t.TempDir(), "samples.db")
	_, err := execute(t, "sources", "--db", db, "--store-driver", "mongo")

	var cfgErr *config.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "store.driver", cfgErr.Key)
}

func TestExportRemoteNeedsBastion(t *testing.T) {
	db := filepath.Join(t.TempDir(), "samples.db")
	_, err := execute(t, "export", "alpha", "--db", db, "--remote", "/tmp/a.csv")
	assert.ErrorContains(t, err, "--remote needs a bastion host")
}

func TestResolveUI(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, "log", resolveUI("auto", &buf))
	assert.Equal(t, "web", resolveUI("web", &buf))
	assert.Equal(t, "tui", resolveUI("tui", &buf))
}

func TestVersion(t *testing.T) {
	origVersion, origCommit, origDate := version, commit, date
	defer SetVersionInfo(origVersion, origCommit, origDate)
	SetVersionInfo("1.2.3", "abc1234", "2025-01-08T12:00:00Z")

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "kusto-pinger v1.2.3")
	assert.Contains(t, out, "commit: abc1234")
	assert.Contains(t, out, "built: 2025-01-08T12:00:00Z")
	assert.Contains(t, out, "go: "+runtime.Version())

	out, err = execute(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3\n", out)
}

func TestFormatVersion(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"dev", "dev"},
		{"1.0.0", "v1.0.0"},
		{"v2.1.0", "v2.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, formatVersion(tt.in))
		})
	}
}
