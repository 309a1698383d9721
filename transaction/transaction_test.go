package transaction

import (
	"testing"

	"github.com/voidlinux/xbpsgo/ostore"
	"github.com/voidlinux/xbpsgo/pkgdb"
	"github.com/voidlinux/xbpsgo/repo"
	"github.com/voidlinux/xbpsgo/repopool"
	"github.com/voidlinux/xbpsgo/xbpserr"
)

func mkpool(pkgs map[string]ostore.Dict) *repopool.Pool {
	r := repo.New("repo1", "x86_64")
	for name, pkg := range pkgs {
		r.Index[name] = pkg
	}
	return repopool.New([]*repo.Repo{r}, false)
}

func openDB(t *testing.T) *pkgdb.Pkgdb {
	t.Helper()
	db, err := pkgdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("pkgdb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInstallWithOneDep(t *testing.T) {
	pool := mkpool(map[string]ostore.Dict{
		"foo": {"pkgname": "foo", "pkgver": "foo-1.0_1"},
		"bar": {"pkgname": "bar", "pkgver": "bar-1.0_1", "run_depends": ostore.Array{"foo>=1"}},
	})
	db := openDB(t)

	b := New(pool, db, "", Flags{})
	if err := b.InstallPkg("bar", false); err != nil {
		t.Fatalf("InstallPkg: %v", err)
	}

	transd, err := b.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	packages, _ := transd.GetArray("packages")
	if len(packages) != 2 {
		t.Fatalf("got %d packages, want 2: %+v", len(packages), packages)
	}

	names := map[string]string{}
	for i, p := range packages {
		pkg := p.(ostore.Dict)
		name, _ := pkg.GetString("pkgname")
		tag, _ := pkg.GetString("transaction")
		names[name] = tag
		if name == "bar" && i != 1 {
			t.Fatalf("expected bar (the dependent) to come after foo in install order")
		}
	}
	if names["foo"] != "INSTALL" || names["bar"] != "INSTALL" {
		t.Fatalf("got tags %v", names)
	}

	totalInstall, _ := transd.GetInt64("total-install-pkgs")
	if totalInstall != 2 {
		t.Fatalf("got total-install-pkgs %d, want 2", totalInstall)
	}
}

func TestInstallAlreadyInstalledReturnsExists(t *testing.T) {
	pool := mkpool(map[string]ostore.Dict{
		"foo": {"pkgname": "foo", "pkgver": "foo-1.0_1"},
	})
	db := openDB(t)
	_ = db.SetPkgState("foo", pkgdb.HalfUnpacked, ostore.Dict{"pkgname": "foo", "pkgver": "foo-1.0_1"})
	_ = db.SetPkgState("foo", pkgdb.Unpacked, nil)
	_ = db.SetPkgState("foo", pkgdb.Installed, nil)

	b := New(pool, db, "", Flags{})
	err := b.InstallPkg("foo", false)
	if err == nil {
		t.Fatalf("expected EXISTS error")
	}
}

func TestMissingDependencyReportsNodev(t *testing.T) {
	pool := mkpool(map[string]ostore.Dict{
		"bar": {"pkgname": "bar", "pkgver": "bar-1.0_1", "run_depends": ostore.Array{"missing-lib"}},
	})
	db := openDB(t)

	b := New(pool, db, "", Flags{})
	if err := b.InstallPkg("bar", false); err != nil {
		t.Fatalf("InstallPkg: %v", err)
	}
	_, err := b.Prepare()
	if err == nil {
		t.Fatalf("expected a NODEV error")
	}
}

func TestDependencyCycleIsRejected(t *testing.T) {
	pool := mkpool(map[string]ostore.Dict{
		"a": {"pkgname": "a", "pkgver": "a-1.0_1", "run_depends": ostore.Array{"b"}},
		"b": {"pkgname": "b", "pkgver": "b-1.0_1", "run_depends": ostore.Array{"a"}},
	})
	db := openDB(t)

	b := New(pool, db, "", Flags{})
	if err := b.InstallPkg("a", false); err != nil {
		t.Fatalf("InstallPkg: %v", err)
	}
	_, err := b.Prepare()
	if err == nil {
		t.Fatalf("expected a cycle to be rejected")
	}
}

func TestRemovePkgRecursiveOrphans(t *testing.T) {
	pool := mkpool(map[string]ostore.Dict{
		"foo": {"pkgname": "foo", "pkgver": "foo-1.0_1"},
		"bar": {"pkgname": "bar", "pkgver": "bar-1.0_1", "run_depends": ostore.Array{"foo"}},
	})
	db := openDB(t)
	_ = db.SetPkgState("foo", pkgdb.HalfUnpacked, ostore.Dict{
		"pkgname": "foo", "pkgver": "foo-1.0_1", "automatic-install": true, "requiredby": ostore.Array{"bar"},
	})
	_ = db.SetPkgState("foo", pkgdb.Unpacked, nil)
	_ = db.SetPkgState("foo", pkgdb.Installed, nil)
	_ = db.SetPkgState("bar", pkgdb.HalfUnpacked, ostore.Dict{"pkgname": "bar", "pkgver": "bar-1.0_1"})
	_ = db.SetPkgState("bar", pkgdb.Unpacked, nil)
	_ = db.SetPkgState("bar", pkgdb.Installed, nil)

	b := New(pool, db, "", Flags{})
	if err := b.RemovePkg("bar", true); err != nil {
		t.Fatalf("RemovePkg: %v", err)
	}
	if _, ok := b.work["foo"]; !ok {
		t.Fatalf("expected foo to be queued as an orphan after removing bar")
	}
}

func TestForcedInstallYieldsReinstallTag(t *testing.T) {
	pool := mkpool(map[string]ostore.Dict{
		"foo": {"pkgname": "foo", "pkgver": "foo-1.0_1"},
	})
	db := openDB(t)
	_ = db.SetPkgState("foo", pkgdb.HalfUnpacked, ostore.Dict{"pkgname": "foo", "pkgver": "foo-1.0_1"})
	_ = db.SetPkgState("foo", pkgdb.Unpacked, nil)
	_ = db.SetPkgState("foo", pkgdb.Installed, nil)

	b := New(pool, db, "", Flags{})
	if err := b.InstallPkg("foo", true); err != nil {
		t.Fatalf("InstallPkg: %v", err)
	}
	transd, err := b.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	packages, _ := transd.GetArray("packages")
	if len(packages) != 1 {
		t.Fatalf("got %d packages, want 1", len(packages))
	}
	tag, _ := packages[0].(ostore.Dict).GetString("transaction")
	if tag != "REINSTALL" {
		t.Fatalf("got tag %q, want REINSTALL", tag)
	}
}

func TestSelfUpdateBusyGateRefusesOtherTransactions(t *testing.T) {
	pool := mkpool(map[string]ostore.Dict{
		"xbps": {"pkgname": "xbps", "pkgver": "xbps-0.60_1"},
		"foo":  {"pkgname": "foo", "pkgver": "foo-1.0_1"},
	})
	db := openDB(t)
	_ = db.SetPkgState("xbps", pkgdb.HalfUnpacked, ostore.Dict{"pkgname": "xbps", "pkgver": "xbps-0.59_1"})
	_ = db.SetPkgState("xbps", pkgdb.Unpacked, nil)
	_ = db.SetPkgState("xbps", pkgdb.Installed, nil)

	b := New(pool, db, "", Flags{})
	if err := b.InstallPkg("foo", false); err != nil {
		t.Fatalf("InstallPkg: %v", err)
	}
	_, err := b.Prepare()
	if err == nil {
		t.Fatalf("expected a BUSY error while xbps itself needs a self-update")
	}
	xerr, ok := err.(*xbpserr.Error)
	if !ok || xerr.Kind != xbpserr.Busy {
		t.Fatalf("got error %v, want xbpserr.Busy", err)
	}
}

func TestSelfUpdateAloneIsAllowed(t *testing.T) {
	pool := mkpool(map[string]ostore.Dict{
		"xbps": {"pkgname": "xbps", "pkgver": "xbps-0.60_1"},
	})
	db := openDB(t)
	_ = db.SetPkgState("xbps", pkgdb.HalfUnpacked, ostore.Dict{"pkgname": "xbps", "pkgver": "xbps-0.59_1"})
	_ = db.SetPkgState("xbps", pkgdb.Unpacked, nil)
	_ = db.SetPkgState("xbps", pkgdb.Installed, nil)

	b := New(pool, db, "", Flags{})
	if err := b.UpdatePkg("xbps", false); err != nil {
		t.Fatalf("UpdatePkg: %v", err)
	}
	if _, err := b.Prepare(); err != nil {
		t.Fatalf("Prepare: %v (self-update alone should be allowed)", err)
	}
}

func TestHoldDemotesAutomaticButNotExplicitRequest(t *testing.T) {
	pool := mkpool(map[string]ostore.Dict{
		"foo": {"pkgname": "foo", "pkgver": "foo-2.0_1"},
	})
	db := openDB(t)
	_ = db.SetPkgState("foo", pkgdb.HalfUnpacked, ostore.Dict{
		"pkgname": "foo", "pkgver": "foo-1.0_1", "hold": true,
	})
	_ = db.SetPkgState("foo", pkgdb.Unpacked, nil)
	_ = db.SetPkgState("foo", pkgdb.Installed, nil)

	b := New(pool, db, "", Flags{})
	if err := b.UpdatePkg("foo", true); err != nil {
		t.Fatalf("UpdatePkg: %v", err)
	}
	transd, err := b.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	packages, _ := transd.GetArray("packages")
	tag, _ := packages[0].(ostore.Dict).GetString("transaction")
	if tag != "UPDATE" {
		t.Fatalf("got tag %q, want UPDATE (explicit request should bypass hold)", tag)
	}
}
