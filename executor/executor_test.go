package executor

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/voidlinux/xbpsgo/archive"
	"github.com/voidlinux/xbpsgo/ostore"
	"github.com/voidlinux/xbpsgo/pkgdb"
)

func buildTestArtifact(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "foo-1.0_1.xbps")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	for name, body := range files {
		if err := archive.AppendBuf(tw, name, 0644, []byte(body)); err != nil {
			t.Fatalf("AppendBuf: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	f.Close()
	return path
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestCommitInstallsSimplePkg(t *testing.T) {
	rootdir := t.TempDir()
	cachedir := t.TempDir()
	metadir := t.TempDir()

	const fileBody = "#!/bin/sh\necho hi\n"
	artifactSrc := buildTestArtifact(t, map[string]string{"usr/bin/foo": fileBody})

	db, err := pkgdb.Open(metadir)
	if err != nil {
		t.Fatalf("pkgdb.Open: %v", err)
	}
	defer db.Close()

	op := ostore.Dict{
		"pkgname":         "foo",
		"pkgver":          "foo-1.0_1",
		"transaction":     "INSTALL",
		"download":        true,
		"repolocation":    "file://" + artifactSrc,
		"filename":        "foo-1.0_1.xbps",
		"filename-sha256": fileSHA256(t, artifactSrc),
		"files": ostore.Dict{
			"usr/bin/foo": ostore.Dict{"sha256": sha256Hex(fileBody)},
		},
	}
	transd := ostore.Dict{
		"packages": ostore.Array{op},
	}

	var events []Phase
	exec := New(db, Options{
		Rootdir:  rootdir,
		Cachedir: cachedir,
		Arch:     "x86_64",
		OnState: func(phase Phase, pkgname string, err error) {
			events = append(events, phase)
		},
	})

	if err := exec.Commit(context.Background(), transd); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if got := db.GetPkgState("foo"); got != pkgdb.Installed {
		t.Fatalf("got state %v, want Installed", got)
	}

	body, err := os.ReadFile(filepath.Join(rootdir, "usr/bin/foo"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(body) != fileBody {
		t.Fatalf("got body %q", body)
	}

	wantPhases := []Phase{PhaseDownload, PhaseVerify, PhaseRun, PhaseConfigure}
	for _, want := range wantPhases {
		found := false
		for _, got := range events {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected phase %s to be observed, got %v", want, events)
		}
	}
}

func fileSHA256(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
