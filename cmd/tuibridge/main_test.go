package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/acolita/tuibridge/internal/adapters/realfs"
	"github.com/acolita/tuibridge/internal/config"
	"github.com/acolita/tuibridge/internal/hostkey"
	"github.com/acolita/tuibridge/internal/security"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("run(-version) = %d, stderr %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "tuibridge version "+Version) {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestRunBadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-nope"}, &stdout, &stderr); code != 2 {
		t.Errorf("run(-nope) = %d, want 2", code)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	path := writeConfig(t, dir, "session:\n  grace_period: -1s\n")

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-config", path}, &stdout, &stderr); code != 1 {
		t.Fatalf("run() = %d, want 1", code)
	}
	msg := stderr.String()
	if !strings.Contains(msg, "program.path is required") || !strings.Contains(msg, "grace_period") {
		t.Errorf("stderr = %q", msg)
	}
}

func TestRunMissingHostKey(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  listen_addr: 127.0.0.1:0
  host_key_path: `+filepath.Join(dir, "missing_key")+`
program:
  path: /bin/true
logging:
  level: error
`)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-config", path}, &stdout, &stderr); code != 1 {
		t.Errorf("run() = %d, want 1", code)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "host_key")
	if _, err := hostkey.Generate(realfs.New(), keyPath, []byte("pw"), false); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_HOST_KEY_PASSPHRASE", "pw")
	path := writeConfig(t, dir, `
server:
  listen_addr: 127.0.0.1:0
  host_key_path: `+keyPath+`
  host_key_passphrase_env: TEST_HOST_KEY_PASSPHRASE
program:
  path: /bin/true
session:
  grace_period: 100ms
logging:
  level: error
  file: `+filepath.Join(dir, "tuibridge.log")+`
admin:
  addr: 127.0.0.1:0
`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout, stderr bytes.Buffer
	if code := run(ctx, []string{"-config", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("run() = %d, stderr %s", code, stderr.String())
	}
	data, err := os.ReadFile(filepath.Join(dir, "tuibridge.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("error-level log file not empty: %s", data)
	}
}

type fakePassphrases struct {
	enabled bool
	values  map[string][]byte
	asked   int
}

func (f *fakePassphrases) IsEnabled() bool { return f.enabled }

func (f *fakePassphrases) Passphrase(keyPath string) ([]byte, error) {
	f.asked++
	return f.values[keyPath], nil
}

func TestHostKeyPassphrase(t *testing.T) {
	env := map[string]string{"KEY_PW": "from-env"}
	getenv := func(k string) string { return env[k] }
	store := &fakePassphrases{enabled: true, values: map[string][]byte{"/k": []byte("from-keyring")}}
	keyring := func() passphraseSource { return store }

	tests := []struct {
		name    string
		sc      config.ServerConfig
		want    string
		wantErr error
	}{
		{"none", config.ServerConfig{HostKeyPath: "/k"}, "", nil},
		{"env", config.ServerConfig{HostKeyPath: "/k", HostKeyPassphraseEnv: "KEY_PW", UseKeyring: true}, "from-env", nil},
		{"empty env falls back to keyring", config.ServerConfig{HostKeyPath: "/k", HostKeyPassphraseEnv: "UNSET", UseKeyring: true}, "from-keyring", nil},
		{"keyring", config.ServerConfig{HostKeyPath: "/k", UseKeyring: true}, "from-keyring", nil},
		{"keyring miss", config.ServerConfig{HostKeyPath: "/other", UseKeyring: true}, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := hostKeyPassphrase(tt.sc, getenv, keyring)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("passphrase = %q, want %q", got, tt.want)
			}
		})
	}

	store.enabled = false
	_, err := hostKeyPassphrase(config.ServerConfig{HostKeyPath: "/k", UseKeyring: true}, getenv, keyring)
	if !errors.Is(err, security.ErrKeyringUnavailable) {
		t.Errorf("disabled keyring err = %v", err)
	}
}
