package handle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestInitEndLifecycle(t *testing.T) {
	rootdir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootdir, "etc/xbps.d"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	h, err := Init(context.Background(), Config{Rootdir: rootdir, NativeArch: "x86_64"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if h.NativeArch != "x86_64" {
		t.Fatalf("got arch %q", h.NativeArch)
	}
	if h.Pkgdb() == nil {
		t.Fatalf("expected a pkgdb to be opened")
	}
	if h.Pool() == nil {
		t.Fatalf("expected a repo pool to be built")
	}

	if err := h.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestInitDefaultsArchFromRuntime(t *testing.T) {
	rootdir := t.TempDir()
	h, err := Init(context.Background(), Config{Rootdir: rootdir})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer h.End()

	if h.NativeArch == "" {
		t.Fatalf("expected a default native arch to be derived")
	}
}

func TestNewBuilderAndExecutorAreWired(t *testing.T) {
	rootdir := t.TempDir()
	h, err := Init(context.Background(), Config{Rootdir: rootdir, NativeArch: "x86_64"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer h.End()

	if h.NewBuilder() == nil {
		t.Fatalf("expected a non-nil builder")
	}
	if h.NewExecutor() == nil {
		t.Fatalf("expected a non-nil executor")
	}
}
