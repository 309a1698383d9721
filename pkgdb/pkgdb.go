// Package pkgdb implements the installed-package database: its on-disk
// dict, the POSIX advisory lock that serializes access across processes,
// the install state machine, and the worker-pool Foreach/ForeachMulti
// query helpers (spec.md §4.6). Grounded on GoogleCloudPlatform-osconfig's
// inventory snapshot pattern (load-mutate-flush against a single dict) and
// on the teacher's direct golang.org/x/sys dependency for the flock itself
// (not used by the teacher for file locking, but the only pack library
// that reaches the kernel flock(2) syscall).
package pkgdb

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/voidlinux/xbpsgo/clog"
	"github.com/voidlinux/xbpsgo/ostore"
	"github.com/voidlinux/xbpsgo/xbpserr"
)

const lockFileName = ".pkgdb.lock"
const dbFileName = "pkgdb.yaml"

// Pkgdb is the installed-package database rooted at metadir (typically
// <rootdir>/var/db/xbps).
type Pkgdb struct {
	metadir string

	mu        sync.Mutex
	installed ostore.Dict // pkgname -> pkg state dict
	alts      ostore.Dict // _XBPS_ALTERNATIVES_ group -> chosen alternative

	lockFile *os.File

	lastFlushed ostore.Value // snapshot at last successful Flush, for no-op detection
	filesCache  map[string]ostore.Dict
}

// Open loads metadir's pkgdb.yaml (creating an empty in-memory database if
// it does not exist yet) and takes the advisory process lock. Callers must
// call Close when done.
func Open(metadir string) (*Pkgdb, error) {
	if err := os.MkdirAll(metadir, 0755); err != nil {
		return nil, xbpserr.Wrap(xbpserr.IO, err, "creating metadir %s", metadir)
	}

	lockPath := filepath.Join(metadir, lockFileName)
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, xbpserr.Wrap(xbpserr.IO, err, "opening lock file %s", lockPath)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX); err != nil {
		lf.Close()
		return nil, xbpserr.Wrap(xbpserr.Busy, err, "locking pkgdb at %s", metadir)
	}

	db := &Pkgdb{
		metadir:    metadir,
		installed:  ostore.Dict{},
		alts:       ostore.Dict{},
		lockFile:   lf,
		filesCache: map[string]ostore.Dict{},
	}

	path := filepath.Join(metadir, dbFileName)
	v, err := ostore.InternalizeFromFile(path)
	switch {
	case err == nil:
		root, ok := v.(ostore.Dict)
		if !ok {
			db.unlock()
			return nil, xbpserr.New(xbpserr.Inval, "pkgdb root at %s is not a dict", path)
		}
		if installed, ok := root.GetDict("installed"); ok {
			db.installed = installed
		}
		if alts, ok := root.GetDict("alternatives"); ok {
			db.alts = alts
		}
	case os.IsNotExist(err):
		// First run: empty database is correct.
	default:
		db.unlock()
		return nil, xbpserr.Wrap(xbpserr.IO, err, "loading pkgdb at %s", path)
	}

	db.lastFlushed = ostore.Clone(db.snapshotLocked())
	return db, nil
}

func (db *Pkgdb) unlock() {
	unix.Flock(int(db.lockFile.Fd()), unix.LOCK_UN)
	db.lockFile.Close()
}

// Close releases the advisory lock. It does not flush; callers must Flush
// explicitly before Close if they want pending mutations persisted.
func (db *Pkgdb) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.unlock()
	return nil
}

func (db *Pkgdb) snapshotLocked() ostore.Dict {
	return ostore.Dict{"installed": db.installed, "alternatives": db.alts}
}

// Flush persists the database if it has changed since the last successful
// Flush (or Open), comparing by structural equality against the
// last-flushed snapshot so a no-op transaction never rewrites the file.
func (db *Pkgdb) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	snap := db.snapshotLocked()
	if ostore.Equal(snap, db.lastFlushed) {
		return nil
	}

	path := filepath.Join(db.metadir, dbFileName)
	if err := ostore.ExternalizeToFile(path, snap); err != nil {
		return xbpserr.Wrap(xbpserr.IO, err, "flushing pkgdb to %s", path)
	}
	db.lastFlushed = ostore.Clone(snap)
	return nil
}

// GetPkg returns pkgname's installed-state dict, or ok=false if it has no
// entry (NOT_INSTALLED).
func (db *Pkgdb) GetPkg(pkgname string) (ostore.Dict, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.installed.GetDict(pkgname)
}

// GetVirtualPkg searches every installed package's "provides" array,
// returning the first installed package satisfying matches.
func (db *Pkgdb) GetVirtualPkg(matches func(provide string) bool) (ostore.Dict, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, name := range db.installed.Keys() {
		pkg, _ := db.installed.GetDict(name)
		for _, provide := range pkg.GetStringArray("provides") {
			if matches(provide) {
				return pkg, true
			}
		}
	}
	return nil, false
}

// GetPkgState returns pkgname's current State. An absent entry is
// NotInstalled.
func (db *Pkgdb) GetPkgState(pkgname string) State {
	pkg, ok := db.GetPkg(pkgname)
	if !ok {
		return NotInstalled
	}
	s, _ := pkg.GetString("state")
	return stateFromString(s)
}

func stateFromString(s string) State {
	switch s {
	case "half-unpacked":
		return HalfUnpacked
	case "unpacked":
		return Unpacked
	case "installed":
		return Installed
	case "half-removed":
		return HalfRemoved
	default:
		return NotInstalled
	}
}

// SetPkgState validates and applies a state transition for pkgname. next
// may be NotInstalled, which deletes the entry entirely (the terminus of a
// successful removal). pkg supplies the full property dict to store when
// transitioning in from NotInstalled or HalfRemoved; it is ignored for
// transitions between two already-installed states, where the existing
// entry is mutated in place.
func (db *Pkgdb) SetPkgState(pkgname string, next State, pkg ostore.Dict) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	cur := NotInstalled
	existing, ok := db.installed.GetDict(pkgname)
	if ok {
		s, _ := existing.GetString("state")
		cur = stateFromString(s)
	}

	if err := ValidateTransition(cur, next); err != nil {
		return err
	}

	if next == NotInstalled {
		delete(db.installed, pkgname)
		delete(db.filesCache, pkgname)
		return nil
	}

	entry := existing
	if entry == nil {
		entry = ostore.Dict{}
	} else {
		entry = ostore.Clone(existing).(ostore.Dict)
	}
	if pkg != nil {
		for k, v := range pkg {
			entry[k] = v
		}
	}
	entry["state"] = next.String()
	db.installed[pkgname] = entry
	return nil
}

// GetPkgFiles lazily loads and caches pkgname's files manifest (the
// "files" sub-dict recording paths, types, and sha256 sums), per spec.md's
// note that file manifests are kept out of the hot installed dict and
// loaded on demand.
func (db *Pkgdb) GetPkgFiles(pkgname string) (ostore.Dict, error) {
	db.mu.Lock()
	if cached, ok := db.filesCache[pkgname]; ok {
		db.mu.Unlock()
		return cached, nil
	}
	db.mu.Unlock()

	pkg, ok := db.GetPkg(pkgname)
	if !ok {
		return nil, xbpserr.New(xbpserr.NotFound, "pkg %s not installed", pkgname)
	}
	files, _ := pkg.GetDict("files")
	if files == nil {
		files = ostore.Dict{}
	}

	db.mu.Lock()
	db.filesCache[pkgname] = files
	db.mu.Unlock()
	return files, nil
}

// PkgNames returns every installed pkgname, sorted.
func (db *Pkgdb) PkgNames() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.installed.Keys()
}

// Foreach calls fn once per installed package, fanning work out across a
// bounded worker pool (errgroup, limited to runtime-appropriate
// parallelism). The first error returned by any fn call cancels the
// remaining work and is returned; completion order across packages is
// unspecified, matching spec.md §4.6's Foreach/ForeachMulti contract.
func (db *Pkgdb) Foreach(ctx context.Context, workers int, fn func(ctx context.Context, pkgname string, pkg ostore.Dict) error) error {
	names := db.PkgNames()
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, name := range names {
		name := name
		g.Go(func() error {
			pkg, ok := db.GetPkg(name)
			if !ok {
				return nil // removed concurrently by another transaction step
			}
			return fn(gctx, name, pkg)
		})
	}
	return g.Wait()
}

// ForeachMulti is Foreach restricted to the named subset, preserving the
// same bounded-parallelism, first-error-wins contract.
func (db *Pkgdb) ForeachMulti(ctx context.Context, workers int, pkgnames []string, fn func(ctx context.Context, pkgname string, pkg ostore.Dict) error) error {
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, name := range pkgnames {
		name := name
		g.Go(func() error {
			pkg, ok := db.GetPkg(name)
			if !ok {
				return xbpserr.New(xbpserr.NotFound, "pkg %s not installed", name)
			}
			return fn(gctx, name, pkg)
		})
	}
	return g.Wait()
}

// LogRecovery logs (at Warningf) every package currently parked in a
// half-unpacked or half-removed state, the set Handle.Init scans for on
// startup to surface interrupted transactions to the caller.
func (db *Pkgdb) LogRecovery(ctx context.Context) []string {
	var stuck []string
	db.mu.Lock()
	for _, name := range db.installed.Keys() {
		pkg, _ := db.installed.GetDict(name)
		s, _ := pkg.GetString("state")
		switch stateFromString(s) {
		case HalfUnpacked, HalfRemoved:
			stuck = append(stuck, name)
		}
	}
	db.mu.Unlock()

	for _, name := range stuck {
		clog.Warningf(clog.WithPkg(ctx, name), "package left in an interrupted transaction state")
	}
	return stuck
}
