// Package transaction implements the TransactionBuilder: queuing
// install/update/remove/autoremove intents against a RepoPool and Pkgdb,
// then resolving them into an ordered transd dict the executor can drain.
// Grounded on crossplane-crossplane's dependency-resolution reconciler
// (closure-then-topo-sort over a working set keyed by name) adapted to
// spec.md §4.7's nine-step prepare() algorithm.
package transaction

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/voidlinux/xbpsgo/ostore"
	"github.com/voidlinux/xbpsgo/pkgdb"
	"github.com/voidlinux/xbpsgo/repopool"
	"github.com/voidlinux/xbpsgo/xbpserr"
)

// Intent is the reason a pkgname entered the builder's working set.
type Intent string

const (
	Install    Intent = "INSTALL"
	Reinstall  Intent = "REINSTALL"
	Update     Intent = "UPDATE"
	Remove     Intent = "REMOVE"
	Autoremove Intent = "AUTOREMOVE"
)

// xbpsPkgName is the package manager's own package name, the one spec.md
// §7's BUSY gate singles out: if it needs updating, every other
// transaction is refused until it runs alone.
const xbpsPkgName = "xbps"

// Flags mirrors the subset of spec.md §6's flag bitset the resolver
// itself consults (unpack-time and plugin flags live in executor/plugin).
type Flags struct {
	Force               bool
	IgnoreFileConflicts bool
	ForceUnpack         bool
}

type workEntry struct {
	pkgname   string
	intent    Intent
	automatic bool
}

// Builder accumulates intents against a pool and pkgdb, then resolves them
// with Prepare.
type Builder struct {
	pool    *repopool.Pool
	db      *pkgdb.Pkgdb
	rootdir string
	flags   Flags

	work  map[string]*workEntry
	order []string // insertion order, for deterministic missing_deps reporting
}

// New returns a builder over pool/db using flags for the duration of one
// transaction. rootdir is used only for the disk-space check in Prepare.
func New(pool *repopool.Pool, db *pkgdb.Pkgdb, rootdir string, flags Flags) *Builder {
	return &Builder{pool: pool, db: db, rootdir: rootdir, flags: flags, work: map[string]*workEntry{}}
}

func (b *Builder) add(pkgname string, intent Intent, automatic bool) {
	if _, ok := b.work[pkgname]; !ok {
		b.order = append(b.order, pkgname)
	}
	b.work[pkgname] = &workEntry{pkgname: pkgname, intent: intent, automatic: automatic}
}

// InstallPkg resolves pattern against the pool (real packages before
// virtual ones) and enqueues it as INSTALL. Already-installed packages
// return EXISTS unless force is set.
func (b *Builder) InstallPkg(pattern string, force bool) error {
	pkg, _, err := b.pool.GetPkgByPattern(pattern)
	if err != nil {
		pkg, _, err = b.pool.GetVirtualPkg(pattern)
		if err != nil {
			return xbpserr.New(xbpserr.NotFound, "no candidate for %q", pattern)
		}
	}
	pkgname, _ := pkg.GetString("pkgname")

	_, alreadyInstalled := b.db.GetPkg(pkgname)
	if alreadyInstalled && !force {
		return xbpserr.New(xbpserr.Exists, "%s is already installed", pkgname)
	}

	intent := Install
	if alreadyInstalled {
		intent = Reinstall
	}
	b.add(pkgname, intent, false)
	return nil
}

// UpdatePkg enqueues pkgname as UPDATE if the pool's best match is newer
// than the installed version (or force is set).
func (b *Builder) UpdatePkg(pkgname string, force bool) error {
	installed, ok := b.db.GetPkg(pkgname)
	if !ok {
		return xbpserr.New(xbpserr.NotFound, "%s is not installed", pkgname)
	}
	repoPkg, _, err := b.pool.GetPkg(pkgname)
	if err != nil {
		return err
	}

	instVer := repopool.PkgVersion(mustString(installed, "pkgver"))
	repoVer := repopool.PkgVersion(mustString(repoPkg, "pkgver"))
	if repopool.CmpVer(repoVer, instVer) <= 0 && !force {
		return xbpserr.New(xbpserr.Exists, "%s is already up to date", pkgname)
	}

	b.add(pkgname, Update, false)
	return nil
}

// UpdatePackages applies UpdatePkg to every installed, non-held package,
// silently skipping EXISTS results (already current).
func (b *Builder) UpdatePackages() error {
	for _, name := range b.db.PkgNames() {
		pkg, _ := b.db.GetPkg(name)
		if pkg.GetBool("hold") {
			continue
		}
		if err := b.UpdatePkg(name, false); err != nil {
			if xerr, ok := err.(*xbpserr.Error); ok && xerr.Kind == xbpserr.Exists {
				continue
			}
			return err
		}
	}
	return nil
}

// RemovePkg enqueues an installed package for removal. If recursive, every
// package that becomes an orphan (no remaining requiredby edge after this
// removal) is enqueued too.
func (b *Builder) RemovePkg(pkgname string, recursive bool) error {
	if _, ok := b.db.GetPkg(pkgname); !ok {
		return xbpserr.New(xbpserr.NotFound, "%s is not installed", pkgname)
	}
	b.add(pkgname, Remove, false)

	if !recursive {
		return nil
	}
	for _, orphan := range b.findOrphans() {
		b.add(orphan, Remove, false)
	}
	return nil
}

// AutoremovePkgs enqueues every orphaned automatically-installed package
// (installed only as a dependency, with no remaining requiredby edge).
func (b *Builder) AutoremovePkgs() {
	for _, orphan := range b.findOrphans() {
		b.add(orphan, Autoremove, false)
	}
}

// findOrphans returns installed packages with automatic-install=true and
// an empty (post-working-set) requiredby set.
func (b *Builder) findOrphans() []string {
	removing := map[string]bool{}
	for name, e := range b.work {
		if e.intent == Remove || e.intent == Autoremove {
			removing[name] = true
		}
	}

	var orphans []string
	for _, name := range b.db.PkgNames() {
		pkg, _ := b.db.GetPkg(name)
		if !pkg.GetBool("automatic-install") {
			continue
		}
		requiredBy := pkg.GetStringArray("requiredby")
		remaining := 0
		for _, r := range requiredBy {
			if !removing[r] {
				remaining++
			}
		}
		if remaining == 0 && !removing[name] {
			orphans = append(orphans, name)
		}
	}
	return orphans
}

func mustString(d ostore.Dict, key string) string {
	s, _ := d.GetString(key)
	return s
}

// Prepare runs the nine-step resolution algorithm over the working set and
// returns the transd dict, or an error classified per spec.md §4.7 (NODEV
// for missing deps, NOEXEC for missing shlibs, NOSPC for insufficient
// space, INVAL for a dependency cycle).
func (b *Builder) Prepare() (ostore.Dict, error) {
	if err := b.checkSelfUpdate(); err != nil {
		return nil, err
	}

	incoming, missingDeps, err := b.closeDependencies()
	if err != nil {
		return nil, err
	}
	if len(missingDeps) > 0 {
		return nil, &xbpserr.Error{Kind: xbpserr.NoDev, Message: "unresolved dependencies", MissingDeps: missingDeps}
	}

	b.applyReverts(incoming)

	removed, replaceUpdates, err := b.applyReplaces(incoming)
	if err != nil {
		return nil, err
	}

	if err := b.checkConflicts(incoming, removed); err != nil {
		return nil, err
	}

	missingShlibs := b.checkShlibCoherence(incoming, removed)
	if len(missingShlibs) > 0 && !b.flags.IgnoreFileConflicts {
		return nil, &xbpserr.Error{Kind: xbpserr.NoExec, Message: "unresolved shared libraries", MissingShlibs: missingShlibs}
	}

	if err := b.checkDiskSpace(incoming, removed); err != nil {
		return nil, err
	}

	ordered, err := b.topoSort(incoming)
	if err != nil {
		return nil, err
	}

	return b.buildTransd(ordered, removed, replaceUpdates)
}

// checkSelfUpdate implements spec.md §7's BUSY gate: if the installed xbps
// package is older than the pool's best match, no transaction may proceed
// except one that updates xbps by itself, since every other operation may
// depend on fixes or format changes only the newer xbps understands.
func (b *Builder) checkSelfUpdate() error {
	installed, ok := b.db.GetPkg(xbpsPkgName)
	if !ok {
		return nil // xbps itself not tracked in this pkgdb (e.g. a chroot bootstrap)
	}
	repoPkg, _, err := b.pool.GetPkg(xbpsPkgName)
	if err != nil {
		return nil // no candidate in the pool; nothing to self-update to
	}

	instVer := repopool.PkgVersion(mustString(installed, "pkgver"))
	repoVer := repopool.PkgVersion(mustString(repoPkg, "pkgver"))
	if repopool.CmpVer(repoVer, instVer) <= 0 {
		return nil
	}

	if len(b.work) == 1 {
		if _, onlyXbps := b.work[xbpsPkgName]; onlyXbps {
			return nil
		}
	}
	return xbpserr.New(xbpserr.Busy, "xbps-%s must be installed before any other transaction can proceed", repoVer)
}

// closeDependencies expands the working set with every transitively
// required package not already installed or already queued, recording any
// pattern the pool cannot satisfy.
func (b *Builder) closeDependencies() (map[string]ostore.Dict, []string, error) {
	incoming := map[string]ostore.Dict{}
	var missing []string
	seen := map[string]bool{}

	var queue []string
	for _, name := range b.order {
		queue = append(queue, name)
	}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true

		entry := b.work[name]
		if entry != nil && (entry.intent == Remove || entry.intent == Autoremove) {
			continue
		}

		pkg, _, err := b.pool.GetPkg(name)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		incoming[name] = pkg

		for _, dep := range pkg.GetStringArray("run_depends") {
			depPkg, _, err := b.pool.GetPkgByPattern(dep)
			if err != nil {
				depPkg, _, err = b.pool.GetVirtualPkg(dep)
			}
			if err != nil {
				missing = append(missing, dep)
				continue
			}
			depName, _ := depPkg.GetString("pkgname")
			if _, ok := b.db.GetPkg(depName); ok {
				continue // already installed, satisfied
			}
			if _, already := incoming[depName]; already {
				continue
			}
			if b.work[depName] == nil {
				b.add(depName, Install, true)
			}
			queue = append(queue, depName)
		}
	}

	sort.Strings(missing)
	return incoming, missing, nil
}

// applyReverts forces the repo side to win whenever a package declares a
// `reverts` entry equal to the installed version.
func (b *Builder) applyReverts(incoming map[string]ostore.Dict) {
	for name, pkg := range incoming {
		installed, ok := b.db.GetPkg(name)
		if !ok {
			continue
		}
		instVer := repopool.PkgVersion(mustString(installed, "pkgver"))
		for _, rv := range pkg.GetStringArray("reverts") {
			if repopool.PkgVersion(rv) == instVer {
				if e := b.work[name]; e != nil {
					e.intent = Update
				}
				break
			}
		}
	}
}

// applyReplaces marks installed packages matched by an incoming package's
// `replaces` patterns. If the replaced package is itself being updated in
// this transaction, no separate REMOVE op is emitted for it and the
// updating op is flagged replace-files-in-pkg-update=true so its unpack
// step is allowed to take over instName's files without tripping the
// executor's file-ownership check; otherwise instName is queued for
// removal directly.
func (b *Builder) applyReplaces(incoming map[string]ostore.Dict) (removed map[string]bool, replaceUpdates map[string]bool, err error) {
	removed = map[string]bool{}
	replaceUpdates = map[string]bool{}
	for name, e := range b.work {
		if e.intent == Remove || e.intent == Autoremove {
			removed[name] = true
		}
	}

	for name, pkg := range incoming {
		for _, pattern := range pkg.GetStringArray("replaces") {
			for _, instName := range b.db.PkgNames() {
				if instName == name {
					continue
				}
				instPkg, _ := b.db.GetPkg(instName)
				pkgver := mustString(instPkg, "pkgver")
				if !repopool.Match(pkgver, pattern) {
					continue
				}
				if _, updating := incoming[instName]; updating {
					replaceUpdates[instName] = true
					continue
				}
				removed[instName] = true
			}
		}
	}
	return removed, replaceUpdates, nil
}

// checkConflicts implements spec.md §4.7 step 4: pkg-conflict patterns and
// file-path collisions between incoming packages, and between an incoming
// package and a surviving installed package.
func (b *Builder) checkConflicts(incoming map[string]ostore.Dict, removed map[string]bool) error {
	var conflicts []string

	for name, pkg := range incoming {
		for _, pattern := range pkg.GetStringArray("conflicts") {
			for other, otherPkg := range incoming {
				if other == name {
					continue
				}
				if repopool.Match(mustString(otherPkg, "pkgver"), pattern) {
					conflicts = append(conflicts, fmt.Sprintf("%s conflicts with %s", name, other))
				}
			}
			for _, instName := range b.db.PkgNames() {
				if removed[instName] {
					continue
				}
				if _, updating := incoming[instName]; updating {
					continue
				}
				instPkg, _ := b.db.GetPkg(instName)
				if repopool.Match(mustString(instPkg, "pkgver"), pattern) {
					conflicts = append(conflicts, fmt.Sprintf("%s conflicts with installed %s", name, instName))
				}
			}
		}
	}

	fileOwner := map[string]string{}
	for name, pkg := range incoming {
		files, _ := pkg.GetDict("files")
		for _, path := range files.Keys() {
			if owner, dup := fileOwner[path]; dup {
				conflicts = append(conflicts, fmt.Sprintf("file %s claimed by both %s and %s", path, owner, name))
				continue
			}
			fileOwner[path] = name
		}
	}

	if len(conflicts) > 0 {
		return &xbpserr.Error{Kind: xbpserr.Again, Message: "package or file conflicts detected", Conflicts: conflicts}
	}
	return nil
}

// checkShlibCoherence returns every shlib-requires entry across incoming
// packages that is not satisfied by (pkgdb ∪ incoming) \ removed.
func (b *Builder) checkShlibCoherence(incoming map[string]ostore.Dict, removed map[string]bool) []string {
	provided := map[string]bool{}
	for _, name := range b.db.PkgNames() {
		if removed[name] {
			continue
		}
		pkg, _ := b.db.GetPkg(name)
		for _, p := range pkg.GetStringArray("shlib-provides") {
			provided[p] = true
		}
	}
	for _, pkg := range incoming {
		for _, p := range pkg.GetStringArray("shlib-provides") {
			provided[p] = true
		}
	}

	var missing []string
	for name, pkg := range incoming {
		for _, req := range pkg.GetStringArray("shlib-requires") {
			if !provided[req] {
				missing = append(missing, fmt.Sprintf("%s: %s", name, req))
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// checkDiskSpace sums the net installed-size delta across the transaction
// (installed_size of each incoming package, minus the installed_size of
// its pre-image for an UPDATE/REMOVE) and compares it against rootdir's
// free space via statvfs.
func (b *Builder) checkDiskSpace(incoming map[string]ostore.Dict, removed map[string]bool) error {
	var delta int64
	for name, pkg := range incoming {
		size, _ := pkg.GetInt64("installed_size")
		delta += size
		if installed, ok := b.db.GetPkg(name); ok {
			preSize, _ := installed.GetInt64("installed_size")
			delta -= preSize
		}
	}
	for name := range removed {
		installed, ok := b.db.GetPkg(name)
		if !ok {
			continue
		}
		size, _ := installed.GetInt64("installed_size")
		delta -= size
	}
	if delta <= 0 {
		return nil
	}

	if b.rootdir == "" {
		return nil
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(b.rootdir, &stat); err != nil {
		return xbpserr.Wrap(xbpserr.IO, err, "statvfs %s", b.rootdir)
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	if free < delta {
		return xbpserr.New(xbpserr.NoSpc, "need %d bytes, %d available on %s", delta, free, b.rootdir)
	}
	return nil
}

// topoSort orders incoming by run_depends (dependencies before
// dependents), detecting cycles.
func (b *Builder) topoSort(incoming map[string]ostore.Dict) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var order []string

	names := make([]string, 0, len(incoming))
	for name := range incoming {
		names = append(names, name)
	}
	sort.Strings(names)

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return xbpserr.New(xbpserr.Inval, "dependency cycle detected at %s", name)
		}
		color[name] = gray

		pkg := incoming[name]
		deps := make([]string, 0)
		for _, dep := range pkg.GetStringArray("run_depends") {
			depName, _, err := b.pool.GetPkgByPattern(dep)
			if err != nil {
				continue
			}
			dn, _ := depName.GetString("pkgname")
			if _, ok := incoming[dn]; ok {
				deps = append(deps, dn)
			}
		}
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		color[name] = black
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// buildTransd assembles the final transd dict: ordered package ops (with
// download flags and hold demotion applied), remove ops appended in
// reverse of their corresponding install subgraph, and the summary
// counters the executor and CLI report.
func (b *Builder) buildTransd(ordered []string, removed map[string]bool, replaceUpdates map[string]bool) (ostore.Dict, error) {
	var packages ostore.Array
	var totalInstall, totalReinstall, totalUpdate, totalRemove, totalConfigure, totalDownload, totalHold int64
	var totalDownloadSize, totalInstalledSize, totalRemovedSize int64

	for _, name := range ordered {
		entry := b.work[name]
		intent := Install
		if entry != nil {
			intent = entry.intent
		}
		pkg, _, err := b.pool.GetPkg(name)
		if err != nil {
			return nil, err
		}

		tag := string(intent)
		// spec.md §4.7 step 9: a package held in pkgdb is demoted to HOLD
		// unless it's being removed outright, or the user named it
		// explicitly in this transaction (entry.automatic == false) —
		// hold only ever suppresses an automatic pull-in.
		installed, isInstalled := b.db.GetPkg(name)
		explicit := entry != nil && !entry.automatic
		if isInstalled && installed.GetBool("hold") && entry != nil && entry.intent != Remove && !explicit {
			tag = "HOLD"
			totalHold++
		}

		op := ostore.Clone(pkg).(ostore.Dict)
		op["transaction"] = tag
		if entry != nil {
			op["automatic-install"] = entry.automatic
		}
		if replaceUpdates[name] {
			op["replace-files-in-pkg-update"] = true
		}

		download := true // spec.md step 8 default; cachedir-match refinement lives in the executor's fetch check
		op["download"] = download
		if download {
			totalDownload++
		}

		if size, ok := pkg.GetInt64("installed_size"); ok {
			totalInstalledSize += size
		}

		switch tag {
		case "INSTALL":
			totalInstall++
		case "REINSTALL":
			totalReinstall++
		case "UPDATE":
			totalUpdate++
		case "CONFIGURE":
			totalConfigure++
		}

		packages = append(packages, op)
	}

	// Remove ops, in reverse of the order their corresponding package
	// would have been installed in.
	var removeNames []string
	for name := range removed {
		removeNames = append(removeNames, name)
	}
	sort.Strings(removeNames)
	for i := len(removeNames) - 1; i >= 0; i-- {
		name := removeNames[i]
		pkg, ok := b.db.GetPkg(name)
		if !ok {
			continue
		}
		op := ostore.Clone(pkg).(ostore.Dict)
		op["transaction"] = "REMOVE"
		packages = append(packages, op)
		totalRemove++
		if size, ok := pkg.GetInt64("installed_size"); ok {
			totalRemovedSize += size
		}
	}

	return ostore.Dict{
		"packages":             packages,
		"missing_deps":         ostore.Array{},
		"missing_shlibs":       ostore.Array{},
		"conflicts":            ostore.Array{},
		"total-download-size":  totalDownloadSize,
		"total-installed-size": totalInstalledSize,
		"total-removed-size":   totalRemovedSize,
		"total-install-pkgs":   totalInstall,
		"total-reinstall-pkgs": totalReinstall,
		"total-update-pkgs":    totalUpdate,
		"total-remove-pkgs":    totalRemove,
		"total-configure-pkgs": totalConfigure,
		"total-download-pkgs":  totalDownload,
		"total-hold-pkgs":      totalHold,
	}, nil
}
