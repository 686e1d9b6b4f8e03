package signingkey

import (
	"bytes"
	"context"
	"encoding/hex"
	"flag"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return Config{
		DBPath:     filepath.Join(t.TempDir(), "signet.db"),
		SealingKey: hex.EncodeToString(key),
		Overlap:    time.Hour,
		Grace:      15 * time.Minute,
		KeyTTL:     24 * time.Hour,
	}
}

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-mode", "rotate"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Mode != ModeRotate {
		t.Fatalf("mode = %q, want %q", cfg.Mode, ModeRotate)
	}
	if cfg.Overlap != 24*time.Hour {
		t.Fatalf("overlap = %v, want 24h", cfg.Overlap)
	}
}

func TestRunSealingKeyWritesHexKey(t *testing.T) {
	var out bytes.Buffer
	reader := bytes.NewReader(bytes.Repeat([]byte{0xAB}, 32))

	cfg := Config{Mode: ModeSealingKey}
	if err := Run(context.Background(), cfg, &out, reader); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := "SIGNET_SEALING_KEY=" + strings.Repeat("ab", 32) + "\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}
}

func TestRunInspectWithEmptyKeySet(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = ModeInspect

	var out bytes.Buffer
	if err := Run(context.Background(), cfg, &out, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "no publishable signing keys") {
		t.Fatalf("output = %q, want empty key set notice", out.String())
	}
}

func TestRunRotateInstallsAndListsKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = ModeRotate

	var out bytes.Buffer
	if err := Run(context.Background(), cfg, &out, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	line := strings.TrimSpace(out.String())
	fields := strings.Fields(line)
	if len(fields) != 3 {
		t.Fatalf("output = %q, want kid, algorithm, and public key", line)
	}
	if fields[1] != "EdDSA" {
		t.Fatalf("algorithm = %q, want %q", fields[1], "EdDSA")
	}

	// A second forced rotation grows the publishable set.
	out.Reset()
	if err := Run(context.Background(), cfg, &out, nil); err != nil {
		t.Fatalf("second run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("publishable keys = %d, want 2", len(lines))
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = "demolish"

	var out bytes.Buffer
	if err := Run(context.Background(), cfg, &out, nil); err == nil {
		t.Fatal("expected unknown mode error")
	}
}
