package repopool

import (
	"github.com/voidlinux/xbpsgo/ostore"
	"github.com/voidlinux/xbpsgo/repo"
	"github.com/voidlinux/xbpsgo/xbpserr"
)

// Pool is the ordered repository pool described in spec.md §4.4: a list of
// repositories searched in configuration order for plain lookups, or
// across all repositories for BESTMATCH lookups. Order matters: two
// repositories providing the same pkgname resolve to whichever comes
// first in Repos, unless BESTMATCH is set on the pool.
type Pool struct {
	Repos     []*repo.Repo
	BestMatch bool
}

// New returns a pool over repos in the given priority order.
func New(repos []*repo.Repo, bestMatch bool) *Pool {
	return &Pool{Repos: repos, BestMatch: bestMatch}
}

// GetPkg looks pkgname up across the pool. Without BESTMATCH it returns
// the first repository's copy. With BESTMATCH it compares every
// repository's copy by CmpVer and returns the newest.
func (p *Pool) GetPkg(pkgname string) (ostore.Dict, *repo.Repo, error) {
	var (
		best     ostore.Dict
		bestRepo *repo.Repo
		bestVer  string
	)
	for _, r := range p.Repos {
		pkg, ok := r.GetPkg(pkgname)
		if !ok {
			continue
		}
		if !p.BestMatch {
			return pkg, r, nil
		}
		ver := PkgVersion(r.Pkgver(pkgname))
		if best == nil || CmpVer(ver, bestVer) > 0 {
			best, bestRepo, bestVer = pkg, r, ver
		}
	}
	if best == nil {
		return nil, nil, xbpserr.New(xbpserr.NotFound, "pkg %s not found in pool", pkgname)
	}
	return best, bestRepo, nil
}

// GetPkgByPattern resolves a dependency-style pattern ("foo>=1.0",
// "foo-*", or a bare "foo") against every package in the pool, applying
// BESTMATCH across repositories exactly as GetPkg does when more than one
// repository supplies a satisfying version.
func (p *Pool) GetPkgByPattern(pattern string) (ostore.Dict, *repo.Repo, error) {
	var (
		best     ostore.Dict
		bestRepo *repo.Repo
		bestVer  string
	)
	for _, r := range p.Repos {
		for _, name := range r.PkgNames() {
			pkgver := r.Pkgver(name)
			if !Match(pkgver, pattern) {
				continue
			}
			pkg, _ := r.GetPkg(name)
			if !p.BestMatch {
				return pkg, r, nil
			}
			ver := PkgVersion(pkgver)
			if best == nil || CmpVer(ver, bestVer) > 0 {
				best, bestRepo, bestVer = pkg, r, ver
			}
		}
	}
	if best == nil {
		return nil, nil, xbpserr.New(xbpserr.NotFound, "pattern %q not satisfied by pool", pattern)
	}
	return best, bestRepo, nil
}

// GetVirtualPkg resolves pattern against every package's "provides" array
// across the pool. Real packages take priority over virtual ones: callers
// wanting XBPS's "real pkg wins over virtual" rule should first try GetPkg
// / GetPkgByPattern and fall back to GetVirtualPkg only on NotFound, the
// same order TransactionBuilder.InstallPkg resolves a dependency pattern.
func (p *Pool) GetVirtualPkg(pattern string) (ostore.Dict, *repo.Repo, error) {
	for _, r := range p.Repos {
		if pkg, ok := r.GetVirtualPkg(func(provide string) bool {
			return Match(provide, pattern)
		}); ok {
			return pkg, r, nil
		}
	}
	return nil, nil, xbpserr.New(xbpserr.NotFound, "virtual pattern %q not satisfied by pool", pattern)
}

// GetPkgRevdeps returns every pkgname across the pool whose run_depends
// contains a pattern matched by pkgname's own pkgver, i.e. the reverse
// dependency set (spec.md §2C, supplemented from original_source/'s
// reverse-deps query).
func (p *Pool) GetPkgRevdeps(pkgname string) []string {
	target, _, err := p.GetPkg(pkgname)
	if err != nil {
		return nil
	}
	pkgver, _ := target.GetString("pkgver")

	seen := map[string]bool{}
	var out []string
	for _, r := range p.Repos {
		for _, name := range r.PkgNames() {
			if name == pkgname {
				continue
			}
			pkg, _ := r.GetPkg(name)
			for _, dep := range pkg.GetStringArray("run_depends") {
				if Match(pkgver, dep) && !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
			}
		}
	}
	return out
}

// GetPkgFullDeptree returns the transitive closure of run_depends starting
// at pkgname, in breadth-first discovery order, each dependency resolved
// through the same real-then-virtual rule as InstallPkg. Cycles (spec.md
// §9, "Cyclic graphs") are broken by the visited set: a package already
// emitted is never re-expanded.
func (p *Pool) GetPkgFullDeptree(pkgname string) ([]string, error) {
	visited := map[string]bool{pkgname: true}
	queue := []string{pkgname}
	var order []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		pkg, _, err := p.GetPkg(cur)
		if err != nil {
			continue
		}
		for _, dep := range pkg.GetStringArray("run_depends") {
			var name string
			if resolved, _, rerr := p.resolvePattern(dep); rerr == nil {
				name, _ = resolved.GetString("pkgname")
			}
			if name == "" || visited[name] {
				continue
			}
			visited[name] = true
			order = append(order, name)
			queue = append(queue, name)
		}
	}
	return order, nil
}

func (p *Pool) resolvePattern(pattern string) (ostore.Dict, *repo.Repo, error) {
	if pkg, r, err := p.GetPkgByPattern(pattern); err == nil {
		return pkg, r, nil
	}
	return p.GetVirtualPkg(pattern)
}

// Sync reloads every repository's repodata from disk, the step taken
// before a transaction is built so the pool reflects the latest
// `xbps-install -S`/rindex state.
func (p *Pool) Sync() error {
	for i, r := range p.Repos {
		fresh, err := repo.Load(r.URI, r.Arch)
		if err != nil {
			return xbpserr.Wrap(xbpserr.IO, err, "syncing repository %s", r.URI)
		}
		p.Repos[i] = fresh
	}
	return nil
}
