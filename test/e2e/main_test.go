package e2e

import (
	"os"
	"os/exec"
	"testing"
)

var eventualBin string

func TestMain(m *testing.M) {
	eventualBin = envOrLookPath("EVENTUAL_BIN", "eventual")
	os.Exit(m.Run())
}

func envOrLookPath(envVar, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return ""
}

func requireEventual(t *testing.T) {
	t.Helper()
	if eventualBin == "" {
		t.Skip("eventual binary not available (set EVENTUAL_BIN or add to PATH)")
	}
}
