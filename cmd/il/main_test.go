package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseBulkLines(t *testing.T) {
	in := strings.NewReader("# header\n1 GET /api/0/\n1\tcrashed\n\n2  spaced out  \n")
	items, err := parseBulkLines(in)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := items[1]; len(got) != 2 || got[0] != "GET /api/0/" || got[1] != "crashed" {
		t.Fatalf("unexpected org 1 items %q", got)
	}
	if got := items[2]; len(got) != 1 || got[0] != "spaced out  " {
		t.Fatalf("unexpected org 2 items %q", got)
	}
}

func TestParseBulkLinesErrors(t *testing.T) {
	for _, in := range []string{"lonely\n", "acme thing\n", "-1 x\n"} {
		if _, err := parseBulkLines(strings.NewReader(in)); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestSetEnvValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("A=1\nINTERNLINE_STORAGE_DSN=old\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := setEnvValue(path, "INTERNLINE_STORAGE_DSN", "postgres://x"); err != nil {
		t.Fatalf("set existing: %v", err)
	}
	if err := setEnvValue(path, "B", "2"); err != nil {
		t.Fatalf("set new: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "A=1\nINTERNLINE_STORAGE_DSN=postgres://x\nB=2\n"
	if string(data) != want {
		t.Fatalf("expected %q, got %q", want, string(data))
	}
}
