package xbpsconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMergesMainAndFragments(t *testing.T) {
	dir := t.TempDir()
	main := "repository=https://repo.example/current\ncachedir=/var/cache/xbps\narchitecture=x86_64\n"
	if err := os.WriteFile(filepath.Join(dir, "xbps.conf"), []byte(main), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "xbps.d"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	fragment := "repository=https://repo.example/nonfree\nvirtualpkg=awk:gawk\n"
	if err := os.WriteFile(filepath.Join(dir, "xbps.d", "10-nonfree.conf"), []byte(fragment), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Architecture != "x86_64" {
		t.Fatalf("got architecture %q", cfg.Architecture)
	}
	if len(cfg.Repositories) != 2 {
		t.Fatalf("got repositories %v, want 2 entries", cfg.Repositories)
	}
	if cfg.VirtualPkgs["awk"] != "gawk" {
		t.Fatalf("got virtualpkgs %v", cfg.VirtualPkgs)
	}
}

func TestLoadWithNoConfigFiles(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Repositories) != 0 {
		t.Fatalf("expected an empty config, got %+v", cfg)
	}
}
