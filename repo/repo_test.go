package repo

import (
	"path/filepath"
	"testing"

	"github.com/voidlinux/xbpsgo/ostore"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, "x86_64")
	r.Index["foo"] = ostore.Dict{
		"pkgver":      "foo-1.0_1",
		"run_depends": ostore.Array{"bar>=0"},
		"provides":    ostore.Array{"virtual-foo-1.0"},
	}

	if err := r.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := InternalizeFromCompressedFile(filepath.Join(dir, "x86_64-repodata")); err != nil {
		t.Fatalf("repodata file not written: %v", err)
	}

	got, err := Load(dir, "x86_64")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Pkgver("foo") != "foo-1.0_1" {
		t.Fatalf("got pkgver %q", got.Pkgver("foo"))
	}
}

func TestGetVirtualPkg(t *testing.T) {
	r := New("/repo", "x86_64")
	r.Index["gawk"] = ostore.Dict{
		"pkgver":   "gawk-5.0_1",
		"provides": ostore.Array{"awk-5.0_1"},
	}

	pkg, ok := r.GetVirtualPkg(func(provide string) bool { return provide == "awk-5.0_1" })
	if !ok {
		t.Fatalf("expected gawk to provide awk")
	}
	if v, _ := pkg.GetString("pkgver"); v != "gawk-5.0_1" {
		t.Fatalf("got pkgver %q", v)
	}

	if _, ok := r.GetVirtualPkg(func(provide string) bool { return provide == "nothing-here" }); ok {
		t.Fatalf("expected no match")
	}
}

func TestRegisterObsoleteAndPrune(t *testing.T) {
	r := New("/repo", "x86_64")
	r.Index["old"] = ostore.Dict{"pkgver": "old-1.0_1"}

	r.RegisterObsolete("old")
	if _, ok := r.GetPkg("old"); ok {
		t.Fatalf("expected old to be removed from the published index")
	}
	obsoletes, ok := r.IndexMeta.GetDict("obsoletes")
	if !ok || obsoletes["old"] == nil {
		t.Fatalf("expected old to be tombstoned, got %v", r.IndexMeta)
	}

	r.PruneObsoletes()
	if _, ok := r.IndexMeta.GetDict("obsoletes"); ok {
		t.Fatalf("expected obsoletes tombstone to be pruned")
	}
}

func TestSortedByPkgver(t *testing.T) {
	r := New("/repo", "x86_64")
	r.Index["a"] = ostore.Dict{"pkgver": "a-2.0_1"}
	r.Index["b"] = ostore.Dict{"pkgver": "b-1.0_1"}

	names := r.SortedByPkgver(func(a, b string) bool { return a < b })
	if len(names) != 2 || names[0] != "b" || names[1] != "a" {
		t.Fatalf("got order %v", names)
	}
}
