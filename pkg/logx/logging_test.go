package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendText(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop is not the zero value")
	}
}

func TestWriterFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "fleet"))
	l.Warn("stop timed out", String("tenant", "a"), Int("attempt", 2), Err(errors.New("boom")), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	want := map[string]any{"level": "warn", "message": "stop timed out", "comp": "fleet", "tenant": "a", "attempt": float64(2)}
	for k, v := range want {
		if m[k] != v {
			t.Fatalf("%s=%v want %v (line %s)", k, m[k], v, buf.String())
		}
	}
	if m[zerolog.ErrorFieldName] != "boom" {
		t.Fatalf("error field missing: %s", buf.String())
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestWithDoesNotAlias(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriter(&buf, "info").With(String("a", "1"))
	_ = base.With(String("b", "2"))
	base.Info("x")
	if strings.Contains(buf.String(), `"b"`) {
		t.Fatalf("derived fields leaked into parent: %s", buf.String())
	}
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	snd := &captureSender{}
	svc, l := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "bot.log")},
		Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 50},
	}, snd)
	defer svc.Close()

	l.Info("routine")
	l.Error("worker errored", String("tenant", "shop"))

	deadline := time.Now().Add(2 * time.Second)
	for len(snd.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := snd.all()
	if len(got) != 1 {
		t.Fatalf("alerts=%q", got)
	}
	if !strings.HasPrefix(got[0], "[ERROR] worker errored") || !strings.Contains(got[0], "tenant=shop") {
		t.Fatalf("alert=%q", got[0])
	}
}

func TestApplySwitchesFile(t *testing.T) {
	dir := t.TempDir()
	first, second := filepath.Join(dir, "1.log"), filepath.Join(dir, "2.log")
	svc, l := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}}, nil)
	defer svc.Close()

	l.Info("one")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: second}})
	l.Info("two")

	b1, _ := os.ReadFile(first)
	b2, _ := os.ReadFile(second)
	if !strings.Contains(string(b1), "one") || strings.Contains(string(b1), "two") {
		t.Fatalf("first file: %s", b1)
	}
	if !strings.Contains(string(b2), "two") {
		t.Fatalf("second file: %s", b2)
	}
}

func TestFormatAlert(t *testing.T) {
	got := formatAlert([]byte(`{"level":"warn","message":"hi","time":"x","caller":"a.go:1","z":1,"a":"b"}`))
	if got != "[WARN] hi\n- a=b\n- z=1" {
		t.Fatalf("got %q", got)
	}
	if got := formatAlert([]byte("not json")); got != "not json" {
		t.Fatalf("got %q", got)
	}
}
