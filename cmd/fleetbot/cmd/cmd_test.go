package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fleetbot/internal/pipeline"
)

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"accounts/accounts.yaml": "accounts:\n  - id: shop\n    username: shopbot\n    enabled: false\n",
		"accounts/shop/settings.yaml": "safety:\n  delays: {min_delay: 0, max_delay: 0, after_tweet: [0, 0], after_follow: [0, 0]}\n",
		"config.yaml": "logging:\n  level: error\naccounts:\n  file: " +
			filepath.Join(dir, "accounts", "accounts.yaml") + "\nplatform:\n  driver: dryrun\n",
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return filepath.Join(dir, "config.yaml")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheck(t *testing.T) {
	cfg := setup(t)
	out, err := run(t, "--config", cfg, "check", "shop")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "@shopbot") {
		t.Fatalf("output %q", out)
	}

	if _, err := run(t, "--config", cfg, "check", "ghost"); err == nil {
		t.Fatal("unknown tenant should fail")
	}
}

func TestRunOnceJSON(t *testing.T) {
	cfg := setup(t)
	out, err := run(t, "--config", cfg, "run-once", "shop", "nightly", "--json")
	if err != nil {
		t.Fatalf("run-once: %v\n%s", err, out)
	}
	var rep pipeline.Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if rep.Slot != "nightly" || rep.Tenant != "shop" {
		t.Fatalf("report %+v", rep)
	}
	if _, ok := rep.Step(pipeline.StepPost); !ok {
		t.Fatalf("expected a post step: %+v", rep.Steps)
	}
}

func TestArgsValidated(t *testing.T) {
	if _, err := run(t, "run-once", "only-tenant"); err == nil {
		t.Fatal("run-once needs two args")
	}
	if _, err := run(t, "check"); err == nil {
		t.Fatal("check needs a tenant")
	}
}

func TestVersion(t *testing.T) {
	SetVersion("1.2.3", "abc")
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "fleetbot 1.2.3 (abc)") {
		t.Fatalf("output %q", out)
	}
}
