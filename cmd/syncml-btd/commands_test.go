//go:build linux

package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"syncml-bt/internal/config"
	"syncml-bt/internal/logging"
	"syncml-bt/internal/rfcomm"
	"syncml-bt/internal/sdp"
)

func TestListeners(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = []string{"server"}
	cfg.Advertise = false
	specs, err := listeners(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 1 || specs[0].Channel != rfcomm.ServerRole || specs[0].Advertise {
		t.Errorf("listeners() = %+v", specs)
	}
}

func TestRecordsCommandShowsDefaults(t *testing.T) {
	t.Setenv(logging.LogLevelEnvVar, "")
	dir := t.TempDir()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"records", "--config", filepath.Join(dir, "absent.yaml"), "--record-dir", dir})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("output has %d lines, want header plus 2:\n%s", len(lines), out.String())
	}
	for i, want := range []string{sdp.ClientUUID, sdp.ServerUUID} {
		row := lines[i+1]
		if !strings.Contains(row, want) || !strings.HasSuffix(row, "default") {
			t.Errorf("row %q, want uuid %s from the default record", row, want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "syncml-btd ") {
		t.Errorf("version output = %q", out.String())
	}
}
