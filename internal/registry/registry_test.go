package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const accountsYAML = `
accounts:
  - id: account1
    name: Shop One
    username: "@shopone"
    folder: accounts/account1
    enabled: true
  - id: account2
    folder: accounts/account2
    enabled: false
settings:
  max_concurrent_accounts: 2
  global_rate_limit:
    tweets_per_hour: 10
`

func writeAccounts(t *testing.T, path, body string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write accounts: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestFileRegistry(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "accounts.yaml")
	writeAccounts(t, p, accountsYAML, time.Now().Add(-time.Minute))

	r := NewFile(p, "")
	all, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(List)=%d, want 2", len(all))
	}
	a1 := all[0]
	if a1.Name != "Shop One" || a1.Username != "shopone" || a1.Root != filepath.Join(dir, "accounts/account1") {
		t.Fatalf("account1 = %+v", a1)
	}
	if all[1].Name != "account2" {
		t.Fatalf("missing name should default to id, got %q", all[1].Name)
	}

	en, err := r.Enabled()
	if err != nil || len(en) != 1 || en[0].ID != "account1" {
		t.Fatalf("Enabled = %+v, %v", en, err)
	}

	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(nope) err=%v, want ErrNotFound", err)
	}

	set, err := r.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if set.MaxConcurrent != 2 || set.GlobalRateLimit["tweets_per_hour"] != 10 {
		t.Fatalf("settings = %+v", set)
	}
}

func TestFileRegistryReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "accounts.yaml")
	writeAccounts(t, p, "accounts:\n  - id: a\n    enabled: true\n", time.Now().Add(-time.Hour))

	r := NewFile(p, "")
	if tn, err := r.Get("a"); err != nil || !tn.Enabled {
		t.Fatalf("Get(a) = %+v, %v", tn, err)
	}

	writeAccounts(t, p, "accounts:\n  - id: a\n    enabled: false\n", time.Now())
	tn, err := r.Get("a")
	if err != nil {
		t.Fatalf("Get(a): %v", err)
	}
	if tn.Enabled {
		t.Fatalf("expected disable edit to be picked up")
	}
}

func TestFileRegistryErrors(t *testing.T) {
	dir := t.TempDir()
	r := NewFile(filepath.Join(dir, "missing.yaml"), "")
	if _, err := r.List(); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if s, _ := r.Settings(); s.MaxConcurrent != DefaultMaxConcurrent {
		t.Fatalf("settings fallback = %+v", s)
	}

	p := filepath.Join(dir, "dup.yaml")
	writeAccounts(t, p, "accounts:\n  - id: a\n  - id: a\n", time.Now())
	if _, err := NewFile(p, "").List(); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}
