package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Errorf("version printed %q, want %q", out, version)
	}
}

func TestHealthcheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer healthy.Close()
	if out, err := run(t, "healthcheck", "--url", healthy.URL+"/healthz"); err != nil || !strings.Contains(out, "ok") {
		t.Errorf("healthy server: out=%q err=%v", out, err)
	}

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()
	if _, err := run(t, "healthcheck", "--url", sick.URL+"/healthz"); err == nil {
		t.Error("unhealthy server should fail the healthcheck")
	}
}

func TestMigrateSQLite(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "requests.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := "log:\n  level: error\nlog_store:\n  type: sqlite\n  path: " + dbPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := run(t, "migrate", "--config", cfgPath); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestInvalidConfigFails(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("cache:\n  type: floppy\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := run(t, "migrate", "--config", cfgPath); err == nil {
		t.Error("unsupported cache type should be rejected")
	}
}
