package chshare

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sammck-go/logger"
)

func testLogger(t *testing.T) logger.Logger {
	t.Helper()
	log, err := logger.New(logger.WithWriter(io.Discard), logger.WithLogLevel(logger.LogLevelInfo), logger.WithPrefix("test"))
	if err != nil {
		t.Fatalf("logger.New: %s", err)
	}
	return log
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ELProxy.conf")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config: %s", err)
	}
	return path
}

func TestLoadConfigHappyPath(t *testing.T) {
	path := writeConfig(t, `
# a comment
Port = 8100
Password = PUBLIC
ExternalBindAddress = 192.0.2.1
AdditionalExternalBindAddresses = 192.0.2.2, 192.0.2.3
CallsignsAllowed = ^(KM0H|KD0JLT)$
`)
	cfg, err := LoadConfig(path, testLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig: %s", err)
	}
	if cfg.Port != 8100 {
		t.Fatalf("Port = %d, want 8100", cfg.Port)
	}
	if cfg.NumSlots() != 3 {
		t.Fatalf("NumSlots() = %d, want 3", cfg.NumSlots())
	}
	if !cfg.IsCallsignAuthorized("KM0H") || !cfg.IsCallsignAuthorized("KD0JLT") {
		t.Fatal("expected allowed callsigns to be authorized")
	}
	if cfg.IsCallsignAuthorized("") {
		t.Fatal("empty callsign must not match an anchored allow pattern")
	}
}

func TestLoadConfigRejectsNotsetPassword(t *testing.T) {
	path := writeConfig(t, "Port = 8100\nPassword = notset\n")
	if _, err := LoadConfig(path, testLogger(t)); err == nil {
		t.Fatal("expected an error for Password = notset")
	}
}

func TestLoadConfigRejectsMissingPassword(t *testing.T) {
	path := writeConfig(t, "Port = 8100\n")
	if _, err := LoadConfig(path, testLogger(t)); err == nil {
		t.Fatal("expected an error for a missing password")
	}
}

func TestLoadConfigDefaultsOmittedPort(t *testing.T) {
	path := writeConfig(t, "Password = PUBLIC\n")
	cfg, err := LoadConfig(path, testLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig: %s", err)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("Port = %d, want default %d", cfg.Port, DefaultPort)
	}
}

func TestIsCallsignAuthorizedUnanchored(t *testing.T) {
	cfg := &ProxyConfig{Port: 1, Password: "x", CallsignsDenied: "BADCALL"}
	if err := cfg.resolve(); err != nil {
		t.Fatalf("resolve: %s", err)
	}
	if cfg.IsCallsignAuthorized("MYBADCALLSIGN") {
		t.Fatal("unanchored deny pattern should reject a callsign containing it as a substring")
	}
	if !cfg.IsCallsignAuthorized("GOODCALL") {
		t.Fatal("callsign not matching the deny pattern should be authorized")
	}
}
