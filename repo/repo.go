// Package repo implements a single on-disk repository: its package index,
// staged (not-yet-published) index, and index metadata, each backed by an
// ostore.Dict persisted as a "<arch>-repodata" file (spec.md §4.3, §4.4).
package repo

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/voidlinux/xbpsgo/ostore"
)

// Repo is one repository: a directory containing a repodata file and the
// binary packages it describes. Index is keyed by pkgname; each value is
// the package's full property dict (pkgver, short_desc, run_depends,
// provides, replaces, conflicts, shlib-requires, shlib-provides,
// filename, filename-sha256, filename-size, ...).
type Repo struct {
	URI  string
	Arch string

	Index     ostore.Dict // pkgname -> pkg dict, published
	Stage     ostore.Dict // pkgname -> pkg dict, staged, not yet committed
	IndexMeta ostore.Dict // public-key, public-key-size, signature-by-pkgname, ...
}

// New returns an empty repo for uri/arch, the shape produced before the
// first Sync.
func New(uri, arch string) *Repo {
	return &Repo{
		URI:       uri,
		Arch:      arch,
		Index:     ostore.Dict{},
		Stage:     ostore.Dict{},
		IndexMeta: ostore.Dict{},
	}
}

func repodataPath(uri, arch string) string {
	return filepath.Join(uri, arch+"-repodata")
}

// Load reads uri's "<arch>-repodata" file. A missing repodata is reported
// through the returned error so RepoPool.Sync can distinguish "repository
// has no data yet" from a real I/O failure.
func Load(uri, arch string) (*Repo, error) {
	path := repodataPath(uri, arch)
	v, err := ostore.InternalizeFromCompressedFile(path)
	if err != nil {
		return nil, err
	}
	d, ok := v.(ostore.Dict)
	if !ok {
		return nil, fmt.Errorf("repo: %s: repodata root is not a dict", path)
	}

	r := New(uri, arch)
	if idx, ok := d.GetDict("index"); ok {
		r.Index = idx
	}
	if stage, ok := d.GetDict("stage"); ok {
		r.Stage = stage
	}
	if meta, ok := d.GetDict("index-meta"); ok {
		r.IndexMeta = meta
	}
	return r, nil
}

// Save atomically publishes r's repodata file.
func (r *Repo) Save() error {
	root := ostore.Dict{
		"index":      r.Index,
		"stage":      r.Stage,
		"index-meta": r.IndexMeta,
	}
	return ostore.ExternalizeToCompressedFile(repodataPath(r.URI, r.Arch), root)
}

// GetPkg returns the pkg dict for pkgname in the published index.
func (r *Repo) GetPkg(pkgname string) (ostore.Dict, bool) {
	return r.Index.GetDict(pkgname)
}

// GetVirtualPkg searches every package's "provides" array for an entry
// matching pattern (a pkgver-shaped string, e.g. "awk-1.0"), returning the
// providing package's own dict. Real packages are always preferred by
// RepoPool.GetVirtualPkg over virtual ones; this method only ever inspects
// provides, never the real index lookup.
func (r *Repo) GetVirtualPkg(matches func(provide string) bool) (ostore.Dict, bool) {
	for _, name := range r.PkgNames() {
		pkg, _ := r.Index.GetDict(name)
		for _, provide := range pkg.GetStringArray("provides") {
			if matches(provide) {
				return pkg, true
			}
		}
	}
	return nil, false
}

// PkgNames returns every pkgname in the published index, sorted.
func (r *Repo) PkgNames() []string {
	return r.Index.Keys()
}

// Pkgver returns the pkgver string ("name-version_rev") for pkgname, or ""
// if absent.
func (r *Repo) Pkgver(pkgname string) string {
	pkg, ok := r.GetPkg(pkgname)
	if !ok {
		return ""
	}
	s, _ := pkg.GetString("pkgver")
	return s
}

// RegisterObsolete moves pkgname's current index entry into a tombstone
// recorded under IndexMeta["obsoletes"], dropping it from Index. Used by
// the rindex "register obsolete" pass (spec.md §2C) when a package present
// on disk is no longer built by any template but other repositories, or
// older generations of the same repository, may still reference it as a
// revdep.
func (r *Repo) RegisterObsolete(pkgname string) {
	pkg, ok := r.Index[pkgname]
	if !ok {
		return
	}
	obsoletes, _ := r.IndexMeta.GetDict("obsoletes")
	if obsoletes == nil {
		obsoletes = ostore.Dict{}
	}
	obsoletes[pkgname] = pkg
	r.IndexMeta["obsoletes"] = obsoletes
	delete(r.Index, pkgname)
}

// PruneObsoletes permanently drops every tombstone recorded by
// RegisterObsolete, the step rindex takes once a -k/--keep-obsoletes
// generation window has rolled past.
func (r *Repo) PruneObsoletes() {
	delete(r.IndexMeta, "obsoletes")
}

// SortedByPkgver returns pkgnames ordered by ascending pkgver, the order
// used when writing human-readable repository listings.
func (r *Repo) SortedByPkgver(less func(a, b string) bool) []string {
	names := r.PkgNames()
	sort.Slice(names, func(i, j int) bool {
		return less(r.Pkgver(names[i]), r.Pkgver(names[j]))
	})
	return names
}
