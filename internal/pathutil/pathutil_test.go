package pathutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestContainsNullByte(t *testing.T) {
	if !ContainsNullByte("a\x00b") {
		t.Error("null byte not detected")
	}
	if ContainsNullByte("/usr/local/bin/xray") {
		t.Error("false positive")
	}
}

func TestCheckExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	dir := t.TempDir()

	exe := filepath.Join(dir, "xray")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(dir, "config.json")
	if err := os.WriteFile(plain, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "xray-link")
	if err := os.Symlink(exe, link); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"executable", exe, ""},
		{"symlink to executable", link, ""},
		{"missing", filepath.Join(dir, "hysteria"), "does not exist"},
		{"not executable", plain, "not executable"},
		{"directory", dir, "not a regular file"},
		{"empty", "", "empty path"},
		{"null byte", "/bin/x\x00y", "null byte"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckExecutable(tt.path)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("CheckExecutable() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("CheckExecutable() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	got, err := EnsureDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(got); err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
	if _, err := EnsureDir("bad\x00dir"); err == nil {
		t.Error("null byte accepted")
	}
}
