package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/load"
	"github.com/wesleyorama2/volley/internal/load/config"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func shopServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"t-1"}`))
	})
	mux.HandleFunc("/api/products", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1}]`))
	})
	mux.HandleFunc("/api/orders", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer t-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &hits
}

func writePlan(t *testing.T, baseURL, thresholds string) string {
	t.Helper()
	doc := fmt.Sprintf(`
name: Shop API
settings:
  baseUrl: %q
load:
  users: 2
  duration: 300ms
  gracefulStop: 2s
auth:
  path: /api/auth/login
  tokenPath: $.token
taskSets:
  ReadOnly:
    tasks:
      - name: GET /api/products
        path: /api/products
  Orders:
    onStart:
      authenticate: true
    tasks:
      - name: GET /api/orders
        path: /api/orders
roots:
  ReadOnly: 3
  Orders: 1
%s`, baseURL, thresholds)
	path := filepath.Join(t.TempDir(), "shop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestRunPlanFileJSON(t *testing.T) {
	server, hits := shopServer(t)
	path := writePlan(t, server.URL, `
thresholds:
  taskFailed: ["rate < 0.5"]
`)

	stdout, stderr, err := execute(t, "run", "--config", path, "--json", "--no-color")
	require.NoError(t, err, stderr)
	assert.Positive(t, hits.Load())

	var result struct {
		Name    string `json:"name"`
		Passed  bool   `json:"passed"`
		Metrics struct {
			TotalTasks int64 `json:"totalTasks"`
			Failed     int64 `json:"failed"`
		} `json:"metrics"`
		Thresholds []struct {
			Passed bool `json:"passed"`
		} `json:"thresholds"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &result), stdout)
	assert.Equal(t, "Shop API", result.Name)
	assert.True(t, result.Passed)
	assert.Positive(t, result.Metrics.TotalTasks)
	assert.Zero(t, result.Metrics.Failed)
	require.Len(t, result.Thresholds, 1)

	assert.Contains(t, stderr, "Shop API - Running")
	assert.Contains(t, stderr, "Completed ✓")
}

func TestRunFailedThreshold(t *testing.T) {
	server, _ := shopServer(t)
	path := writePlan(t, server.URL, `
thresholds:
  tasks: ["count > 100000000"]
`)
	out := filepath.Join(t.TempDir(), "result.json")

	stdout, _, err := execute(t, "run", "--config", path, "--output", out, "--no-color")
	require.ErrorIs(t, err, ErrThresholdsFailed)
	assert.Contains(t, stdout, "✗ tasks count > 100000000")
	assert.Contains(t, stdout, "Results written to: "+out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"passed": false`)
}

func TestRunQuickMode(t *testing.T) {
	server, hits := shopServer(t)

	stdout, _, err := execute(t, "run", "--url", server.URL+"/api/products?page=1", "--users", "2", "--duration", "200ms", "--quiet")
	require.NoError(t, err)
	assert.Equal(t, "PASSED\n", stdout)
	assert.Positive(t, hits.Load())
}

func TestRunInvalidPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: bad
load:
  users: 1
taskSets:
  A:
    tasks:
      - taskSet: B
  B:
    tasks:
      - taskSet: A
roots:
  A: 1
`), 0o644))

	_, _, err := execute(t, "run", "--config", path)
	require.Error(t, err)
	var cfgErrs *load.ConfigurationErrors
	require.ErrorAs(t, err, &cfgErrs)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestRunRequiresConfigOrURL(t *testing.T) {
	_, _, err := execute(t, "run")
	require.EqualError(t, err, "either --config or --url is required")

	_, _, err = execute(t, "run", "--config", "a.yaml", "--url", "http://localhost")
	require.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	path := writePlan(t, "https://shop.example.com", "")

	stdout, _, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "is valid")
	assert.Contains(t, stdout, "Root:      Orders (weight 1)")
	assert.Contains(t, stdout, "Root:      ReadOnly (weight 3)")

	_, _, err = execute(t, "validate", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLogFlags(t *testing.T) {
	_, _, err := execute(t, "validate", "--log-level", "loud", "x.yaml")
	assert.EqualError(t, err, `invalid log level "loud"`)

	_, _, err = execute(t, "validate", "--log-format", "xml", "x.yaml")
	assert.EqualError(t, err, `invalid log format "xml"`)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "info", "json")
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown", "users", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"users":3`)
}

func TestParseStages(t *testing.T) {
	stages, err := parseStages("30s:10, 2m:50,30s:0")
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Equal(t, config.StageConfig{Duration: config.Duration(30 * time.Second), Target: 10, Name: "stage-1"}, stages[0])
	assert.Equal(t, config.Duration(2*time.Minute), stages[1].Duration)
	assert.Equal(t, 50, stages[1].Target)
	assert.Equal(t, "stage-3", stages[2].Name)

	for _, bad := range []string{"", "30s", "abc:10", "30s:ten", " , "} {
		_, err := parseStages(bad)
		assert.Error(t, err, bad)
	}
}

func TestBuildPlanFromFlags(t *testing.T) {
	cfg, err := buildPlanFromFlags(&runOptions{url: "https://api.example.com/health?full=1", method: "post"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.Settings.BaseURL)
	assert.Equal(t, 10, cfg.Load.Users)
	assert.Equal(t, config.Duration(30*time.Second), cfg.Load.Duration)
	task := cfg.TaskSets["cli"].Tasks[0]
	assert.Equal(t, "POST", task.Method)
	assert.Equal(t, "/health?full=1", task.Path)

	cfg, err = buildPlanFromFlags(&runOptions{url: "http://localhost:8080/", stages: "1s:5,1s:0"})
	require.NoError(t, err)
	assert.Zero(t, cfg.Load.Users)
	assert.Zero(t, cfg.Load.Duration)
	assert.Len(t, cfg.Load.Stages, 2)

	_, err = buildPlanFromFlags(&runOptions{url: "localhost"})
	assert.Error(t, err)
}
