package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetbot/internal/config"
	"fleetbot/internal/fleet"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// fixture lays out config.yaml, accounts.yaml and two tenant folders.
func fixture(t *testing.T, autostart bool) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "accounts", "accounts.yaml"), `
accounts:
  - id: a
    username: "@alpha"
    enabled: true
  - id: b
    username: bravo
    enabled: false
settings:
  max_concurrent_accounts: 2
  global_rate_limit:
    tweets_per_day: 40
`)
	fast := `
safety:
  delays: {min_delay: 0, max_delay: 0, after_tweet: [0, 0], after_follow: [0, 0]}
`
	writeFile(t, filepath.Join(dir, "accounts", "a", "settings.yaml"), fast+"schedule:\n  enabled: false\n")
	writeFile(t, filepath.Join(dir, "accounts", "a", "templates.yaml"), "promo_templates:\n  - hello {wa_link}\n")
	writeFile(t, filepath.Join(dir, "accounts", "b", "settings.yaml"), fast)
	auto := "false"
	if autostart {
		auto = "true"
	}
	writeFile(t, filepath.Join(dir, "config.yaml"), `
logging:
  level: error
accounts:
  file: `+filepath.Join(dir, "accounts", "accounts.yaml")+`
fleet:
  poll_interval: 50ms
  stop_timeout: 2s
  start_timeout: 2s
  autostart: `+auto+`
platform:
  driver: dryrun
storage:
  driver: file
  path: `+filepath.Join(dir, "data")+`
`)
	return filepath.Join(dir, "config.yaml")
}

func TestRunAutostartAndStop(t *testing.T) {
	a, err := New(fixture(t, true))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := a.Fleet().StatusOf("a")
		return err == nil && st.State == fleet.StateRunning
	}, 3*time.Second, 10*time.Millisecond)

	st, err := a.Fleet().StatusOf("b")
	require.NoError(t, err)
	assert.Equal(t, fleet.StateIdle, st.State, "disabled tenant is not autostarted")

	sum, err := a.Fleet().Summary()
	require.NoError(t, err)
	assert.Equal(t, fleet.Summary{Total: 2, Enabled: 1, Running: 1}, sum)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	st, err = a.Fleet().StatusOf("a")
	require.NoError(t, err)
	assert.Equal(t, fleet.StateStopped, st.State)
}

func TestStatusAPIServesActivityAndRuntime(t *testing.T) {
	path := fixture(t, false)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("http:\n  enabled: true\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	a, err := New(path)
	require.NoError(t, err)
	defer func() { _ = a.Stop() }()
	require.NotNil(t, a.http)

	require.NoError(t, a.Fleet().StartTenant(context.Background(), "a"))
	h := a.http.Handler()

	get := func(p string) string {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", p, rec.Body.String())
		return rec.Body.String()
	}
	assert.Contains(t, get("/v1/tenants/a/activity"), `"type":"initialize"`)
	assert.Contains(t, get("/v1/runtime"), `"name":"worker:a"`)
}

func TestNewRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "fleet:\n  poll_interval: soon\n")
	_, err := New(path)
	require.Error(t, err)

	writeFile(t, path, "bogus_section: 1\n")
	_, err = New(path)
	require.Error(t, err, "unknown fields are rejected")
}

func TestToolCheckAndRunOnce(t *testing.T) {
	tool, err := NewTool(fixture(t, false))
	require.NoError(t, err)
	defer tool.Close()

	ctx := context.Background()
	p, err := tool.Check(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.Username)

	_, err = tool.Check(ctx, "nope")
	assert.True(t, errors.Is(err, fleet.ErrUnknownTenant), "err=%v", err)

	rep, err := tool.RunOnce(ctx, "b", "custom")
	require.NoError(t, err, "run-once ignores the enabled flag")
	assert.Equal(t, "b", rep.Tenant)
	assert.Equal(t, "custom", rep.Slot)
	assert.NotEmpty(t, rep.RunID)
}

func TestMapStorageConfig(t *testing.T) {
	tests := []struct {
		name    string
		in      *config.StorageConfig
		driver  string
		busy    time.Duration
		wantErr bool
	}{
		{"nil", nil, "", 0, false},
		{"none", &config.StorageConfig{Driver: "none"}, "", 0, false},
		{"file", &config.StorageConfig{Driver: "file", Path: "./data"}, "file", 0, false},
		{"sqlite default busy", &config.StorageConfig{Driver: "SQLite", Path: "x.db"}, "sqlite", time.Second, false},
		{"sqlite busy", &config.StorageConfig{Driver: "sqlite3", Path: "x.db", BusyTimeout: "3s"}, "sqlite3", 3 * time.Second, false},
		{"sqlite no path", &config.StorageConfig{Driver: "sqlite"}, "", 0, true},
		{"unknown", &config.StorageConfig{Driver: "redis"}, "", 0, true},
	}
	for _, tt := range tests {
		sc, err := mapStorageConfig(&config.Config{Storage: tt.in})
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if sc.Driver != tt.driver || sc.BusyTimeout != tt.busy {
			t.Fatalf("%s: got %+v", tt.name, sc)
		}
	}
}

func TestMapHTTP(t *testing.T) {
	hc, err := mapHTTP(&config.Config{HTTP: config.HTTPConfig{Pprof: true, Token: " t "}})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultHTTPAddr, hc.Addr)
	assert.Equal(t, "t", hc.Token)
	assert.Greater(t, hc.WriteTimeout, 30*time.Second)

	_, err = mapHTTP(&config.Config{HTTP: config.HTTPConfig{ReadTimeout: "x"}})
	require.Error(t, err)
}
