package ui

import (
	"bytes"
	"os"
	"testing"
)

func TestColorEnabled(t *testing.T) {
	if ColorEnabled(&bytes.Buffer{}) {
		t.Error("ColorEnabled() = true for a buffer")
	}

	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatalf("CreateTemp() failed: %v", err)
	}
	defer f.Close()
	if ColorEnabled(f) {
		t.Error("ColorEnabled() = true for a regular file")
	}
}

func TestRender_PlainWhenNotTerminal(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	r := newRenderer(&bytes.Buffer{})
	if got := r.NewStyle().Bold(true).Render("ok"); got != "ok" {
		t.Errorf("Render() = %q, want plain text", got)
	}
}
