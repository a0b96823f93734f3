package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	yaml := fmt.Sprintf(`
providers:
  - name: cheap
    type: openai
    base_url: %[1]s
    api_key: sk-cheap-1234
    model: small
    cost_per_prompt_token: 0.000001
    cost_per_completion_token: 0.000001
    average_latency_ms: 900
    priority_rank: 2
  - name: fast
    type: openai
    base_url: %[1]s
    api_key: sk-fast-5678
    model: medium
    cost_per_prompt_token: 0.000005
    cost_per_completion_token: 0.000005
    average_latency_ms: 200
    priority_rank: 1
routing:
  quality_ranking: [fast, cheap]
`, baseURL)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCommand(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestProviders_Order(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:1")

	out, _, err := run(t, "--config", path, "providers", "--task", "qualification")
	require.NoError(t, err)
	assert.Contains(t, out, "Strategy: cost")
	assert.Less(t, strings.Index(out, "cheap"), strings.Index(out, "fast"))

	out, _, err = run(t, "--config", path, "--json", "providers", "--task", "qualification", "--strategy", "latency")
	require.NoError(t, err)
	var rows []map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "fast", rows[0]["name"])
	assert.Equal(t, "1", rows[0]["order"])

	_, _, err = run(t, "--config", path, "providers", "--strategy", "fastest")
	assert.Error(t, err)
}

func TestConfigValidateAndShow(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:1")

	out, _, err := run(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "2 providers")

	out, _, err = run(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "****1234")
	assert.NotContains(t, out, "sk-cheap-1234")

	bad := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("providers: []\n"), 0o600))
	_, _, err = run(t, "--config", bad, "config", "validate")
	assert.Error(t, err)
}

func TestRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"small","choices":[{"message":{"role":"assistant","content":"enriched record"}}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`))
	}))
	defer srv.Close()
	path := writeConfig(t, srv.URL)

	out, stderr, err := run(t, "--config", path, "route", "--task", "enrichment", "--prompt", "enrich acme corp")
	require.NoError(t, err)
	assert.Equal(t, "enriched record\n", out)
	assert.Contains(t, stderr, "provider=cheap")
	assert.Contains(t, stderr, "tokens=4/2")

	_, _, err = run(t, "--config", path, "route")
	assert.ErrorContains(t, err, "--prompt is required")
}

func TestRoute_Exhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	path := writeConfig(t, srv.URL)

	cfg, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(cfg, []byte("retry:\n  max_retries: 0\n")...), 0o600))

	_, stderr, err := run(t, "--config", path, "route", "--task", "qualification", "--prompt", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
	assert.Contains(t, stderr, "1. cheap failed")
	assert.Contains(t, stderr, "2. fast failed")
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"providers": ["cheap", "fast"],
			"circuit_breakers": [
				{"provider": "cheap", "state": "OPEN", "consecutive_failures": 5},
				{"provider": "fast", "state": "CLOSED", "consecutive_failures": 0}
			],
			"budget": {"spent_today_usd": 1.5, "daily_limit_usd": 10, "ratio": 0.15, "decision": "proceed"},
			"observed_latency": [{"provider": "fast", "sample_count": 3, "average": 200000000, "p95": 250000000}]
		}`))
	}))
	defer srv.Close()

	out, _, err := run(t, "--server-url", srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "OPEN")
	assert.Contains(t, out, "200ms (p95 250ms, n=3)")
	assert.Contains(t, out, "decision proceed")
}
