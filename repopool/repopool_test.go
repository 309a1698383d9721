package repopool

import (
	"testing"

	"github.com/voidlinux/xbpsgo/ostore"
	"github.com/voidlinux/xbpsgo/repo"
)

func mkrepo(uri string, pkgs map[string]ostore.Dict) *repo.Repo {
	r := repo.New(uri, "x86_64")
	for name, pkg := range pkgs {
		r.Index[name] = pkg
	}
	return r
}

func TestCmpVerOrdering(t *testing.T) {
	cases := []struct{ a, b string }{
		{"1.0rc1", "1.0"},
		{"1.0", "1.0pl1"},
		{"1.0alpha1", "1.0beta1"},
		{"1.0beta1", "1.0pre1"},
		{"1.0pre1", "1.0rc1"},
		{"1.0", "1.1"},
		{"2.0_1", "2.0_2"},
		{"1.9", "1.10"},
	}
	for _, c := range cases {
		if CmpVer(c.a, c.b) >= 0 {
			t.Errorf("CmpVer(%q, %q) expected < 0", c.a, c.b)
		}
		if CmpVer(c.b, c.a) <= 0 {
			t.Errorf("CmpVer(%q, %q) expected > 0", c.b, c.a)
		}
	}
}

func TestCmpVerEqual(t *testing.T) {
	if CmpVer("1.0_1", "1.0_1") != 0 {
		t.Fatalf("expected equal versions to compare 0")
	}
}

func TestMatchExactAndBareName(t *testing.T) {
	if !Match("foo-1.0_1", "foo-1.0_1") {
		t.Fatalf("expected exact pkgver match")
	}
	if !Match("foo-1.0_1", "foo") {
		t.Fatalf("expected bare name to match any version")
	}
	if Match("foo-1.0_1", "bar") {
		t.Fatalf("did not expect bar to match foo")
	}
}

func TestMatchRelational(t *testing.T) {
	if !Match("foo-1.5_1", "foo>=1.0") {
		t.Fatalf("expected foo-1.5_1 to satisfy foo>=1.0")
	}
	if Match("foo-0.5_1", "foo>=1.0") {
		t.Fatalf("did not expect foo-0.5_1 to satisfy foo>=1.0")
	}
	if !Match("foo-1.0_1", "foo==1.0_1") {
		t.Fatalf("expected exact relational match")
	}
}

func TestMatchGlob(t *testing.T) {
	if !Match("foo-1.0_1", "foo-*") {
		t.Fatalf("expected glob foo-* to match foo-1.0_1")
	}
	if Match("bar-1.0_1", "foo-*") {
		t.Fatalf("did not expect glob foo-* to match bar-1.0_1")
	}
}

func TestPoolGetPkgFirstRepoWins(t *testing.T) {
	r1 := mkrepo("repo1", map[string]ostore.Dict{
		"foo": {"pkgname": "foo", "pkgver": "foo-1.0_1"},
	})
	r2 := mkrepo("repo2", map[string]ostore.Dict{
		"foo": {"pkgname": "foo", "pkgver": "foo-2.0_1"},
	})
	pool := New([]*repo.Repo{r1, r2}, false)

	pkg, r, err := pool.GetPkg("foo")
	if err != nil {
		t.Fatalf("GetPkg: %v", err)
	}
	if r != r1 {
		t.Fatalf("expected first repo in pool order to win without BESTMATCH")
	}
	if v, _ := pkg.GetString("pkgver"); v != "foo-1.0_1" {
		t.Fatalf("got pkgver %q", v)
	}
}

func TestPoolGetPkgBestMatch(t *testing.T) {
	r1 := mkrepo("repo1", map[string]ostore.Dict{
		"foo": {"pkgname": "foo", "pkgver": "foo-1.0_1"},
	})
	r2 := mkrepo("repo2", map[string]ostore.Dict{
		"foo": {"pkgname": "foo", "pkgver": "foo-2.0_1"},
	})
	pool := New([]*repo.Repo{r1, r2}, true)

	pkg, r, err := pool.GetPkg("foo")
	if err != nil {
		t.Fatalf("GetPkg: %v", err)
	}
	if r != r2 {
		t.Fatalf("expected BESTMATCH to pick the newer version's repo")
	}
	if v, _ := pkg.GetString("pkgver"); v != "foo-2.0_1" {
		t.Fatalf("got pkgver %q", v)
	}
}

func TestPoolGetPkgNotFound(t *testing.T) {
	pool := New([]*repo.Repo{mkrepo("repo1", nil)}, false)
	if _, _, err := pool.GetPkg("missing"); err == nil {
		t.Fatalf("expected NotFound error")
	}
}

func TestPoolGetVirtualPkg(t *testing.T) {
	r1 := mkrepo("repo1", map[string]ostore.Dict{
		"gawk": {
			"pkgname":  "gawk",
			"pkgver":   "gawk-5.0_1",
			"provides": ostore.Array{"awk-5.0_1"},
		},
	})
	pool := New([]*repo.Repo{r1}, false)

	pkg, _, err := pool.GetVirtualPkg("awk")
	if err != nil {
		t.Fatalf("GetVirtualPkg: %v", err)
	}
	if name, _ := pkg.GetString("pkgname"); name != "gawk" {
		t.Fatalf("got provider %q", name)
	}
}

func TestPoolGetPkgRevdeps(t *testing.T) {
	r1 := mkrepo("repo1", map[string]ostore.Dict{
		"foo": {"pkgname": "foo", "pkgver": "foo-1.0_1"},
		"bar": {
			"pkgname":     "bar",
			"pkgver":      "bar-1.0_1",
			"run_depends": ostore.Array{"foo>=1.0"},
		},
	})
	pool := New([]*repo.Repo{r1}, false)

	revdeps := pool.GetPkgRevdeps("foo")
	if len(revdeps) != 1 || revdeps[0] != "bar" {
		t.Fatalf("got revdeps %v", revdeps)
	}
}

func TestPoolGetPkgFullDeptree(t *testing.T) {
	r1 := mkrepo("repo1", map[string]ostore.Dict{
		"a": {"pkgname": "a", "pkgver": "a-1.0_1", "run_depends": ostore.Array{"b"}},
		"b": {"pkgname": "b", "pkgver": "b-1.0_1", "run_depends": ostore.Array{"c", "a"}},
		"c": {"pkgname": "c", "pkgver": "c-1.0_1"},
	})
	pool := New([]*repo.Repo{r1}, false)

	deps, err := pool.GetPkgFullDeptree("a")
	if err != nil {
		t.Fatalf("GetPkgFullDeptree: %v", err)
	}
	want := map[string]bool{"b": true, "c": true}
	if len(deps) != len(want) {
		t.Fatalf("got deps %v, want keys %v (cycle must not hang or duplicate)", deps, want)
	}
	for _, d := range deps {
		if !want[d] {
			t.Fatalf("unexpected dep %q in %v", d, deps)
		}
	}
}
