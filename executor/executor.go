// Package executor drains a prepared transd dict through the four
// commit phases (download, verify, files collection, run) plus configure,
// each durably flushing pkgdb state before moving on so a crash leaves a
// well-defined, recoverable intermediate state (spec.md §4.8). Grounded on
// GoogleCloudPlatform-osconfig's task executor (phase-sequenced state
// machine with a callback per phase transition) generalized from GCE
// guest-policy application to package installs.
package executor

import (
	"context"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/voidlinux/xbpsgo/clog"
	"github.com/voidlinux/xbpsgo/fetch"
	"github.com/voidlinux/xbpsgo/ostore"
	"github.com/voidlinux/xbpsgo/pkgdb"
	"github.com/voidlinux/xbpsgo/plugin"
	"github.com/voidlinux/xbpsgo/verify"
	"github.com/voidlinux/xbpsgo/xbpserr"
)

// Phase is one of the five states a callback is announced for.
type Phase string

const (
	PhaseDownload  Phase = "TRANS_DOWNLOAD"
	PhaseVerify    Phase = "TRANS_VERIFY"
	PhaseFiles     Phase = "TRANS_FILES"
	PhaseRun       Phase = "TRANS_RUN"
	PhaseConfigure Phase = "TRANS_CONFIGURE"
)

// StateFunc is the state callback, invoked at least once per phase
// transition and once per package op within Run/Configure.
type StateFunc func(phase Phase, pkgname string, err error)

// Options configures one Executor.
type Options struct {
	Rootdir    string
	Cachedir   string
	Arch       string
	TargetArch string

	FetchWorkers  int
	VerifyWorkers int

	TrustedKey     *verify.PublicKey // nil disables signature verification
	ForceConfigure bool

	// DownloadOnly stops Commit after Verify (spec.md §6 DOWNLOAD_ONLY):
	// artifacts land in the cache but nothing is unpacked or configured.
	DownloadOnly bool
	// UnpackOnly stops Commit after Run (spec.md §6 UNPACK_ONLY): packages
	// reach Unpacked but their post-install scripts never run and they
	// never reach Installed.
	UnpackOnly bool

	OnState StateFunc
	OnFetch fetch.ProgressFunc
}

// Executor commits a transd dict against a Pkgdb.
type Executor struct {
	opts Options
	db   *pkgdb.Pkgdb
	run  *plugin.Runner
}

// New returns an Executor bound to db.
func New(db *pkgdb.Pkgdb, opts Options) *Executor {
	return &Executor{opts: opts, db: db, run: plugin.New()}
}

func (e *Executor) notify(phase Phase, pkgname string, err error) {
	if e.opts.OnState != nil {
		e.opts.OnState(phase, pkgname, err)
	}
}

// Commit drains transd in full: download, verify, files collection, run,
// configure. It stops at the current phase boundary on the first fatal
// error (spec.md §4.7's "errors during commit() are fatal" rule), always
// flushing pkgdb before returning.
func (e *Executor) Commit(ctx context.Context, transd ostore.Dict) error {
	defer e.db.Flush()

	packages, _ := transd.GetArray("packages")
	ops := make([]ostore.Dict, 0, len(packages))
	for _, v := range packages {
		if d, ok := v.(ostore.Dict); ok {
			ops = append(ops, d)
		}
	}

	if err := e.downloadPhase(ctx, ops); err != nil {
		return err
	}
	if err := e.db.Flush(); err != nil {
		return err
	}

	if err := e.verifyPhase(ctx, ops); err != nil {
		return err
	}
	if err := e.db.Flush(); err != nil {
		return err
	}
	if e.opts.DownloadOnly {
		return nil
	}

	if err := e.filesPhase(ctx, ops); err != nil {
		return err
	}

	if err := e.runPhase(ctx, ops); err != nil {
		return err
	}
	if err := e.db.Flush(); err != nil {
		return err
	}
	if e.opts.UnpackOnly {
		return nil
	}

	if err := e.configurePhase(ctx, ops); err != nil {
		return err
	}
	return e.db.Flush()
}

func pkgCachePath(cachedir, pkgname string, op ostore.Dict) string {
	filename, _ := op.GetString("filename")
	if filename == "" {
		filename = pkgname + ".xbps"
	}
	return filepath.Join(cachedir, filename)
}

// downloadPhase fetches every op flagged download=true, concurrently up to
// FetchWorkers.
func (e *Executor) downloadPhase(ctx context.Context, ops []ostore.Dict) error {
	workers := e.opts.FetchWorkers
	if workers <= 0 {
		workers = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, op := range ops {
		op := op
		pkgname, _ := op.GetString("pkgname")
		if !op.GetBool("download") {
			continue
		}
		g.Go(func() error {
			e.notify(PhaseDownload, pkgname, nil)
			url, _ := op.GetString("repolocation")
			dst := pkgCachePath(e.opts.Cachedir, pkgname, op)
			err := fetch.File(gctx, url, dst, fetch.Options{OnProgress: e.opts.OnFetch})
			if err != nil {
				e.notify(PhaseDownload, pkgname, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// verifyPhase checks each downloaded artifact's SHA-256 against
// filename-sha256, and its detached signature if TrustedKey is set.
func (e *Executor) verifyPhase(ctx context.Context, ops []ostore.Dict) error {
	workers := e.opts.VerifyWorkers
	if workers <= 0 {
		workers = 4
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, op := range ops {
		op := op
		pkgname, _ := op.GetString("pkgname")
		if !op.GetBool("download") {
			continue
		}
		g.Go(func() error {
			path := pkgCachePath(e.opts.Cachedir, pkgname, op)
			want, _ := op.GetString("filename-sha256")
			got, err := verify.SHA256File(path)
			if err != nil {
				e.notify(PhaseVerify, pkgname, err)
				return err
			}
			if want != "" && got != want {
				_ = removeFile(path)
				err := xbpserr.New(xbpserr.HashMismatch, "%s: sha256 mismatch", pkgname)
				e.notify(PhaseVerify, pkgname, err)
				return err
			}

			if e.opts.TrustedKey != nil {
				if err := e.verifySignature(path); err != nil {
					_ = removeFile(path)
					e.notify(PhaseVerify, pkgname, err)
					return err
				}
			}

			e.notify(PhaseVerify, pkgname, nil)
			return nil
		})
	}
	return g.Wait()
}

func (e *Executor) verifySignature(path string) error {
	sigPath := path + ".sig2"
	data, err := readFile(path)
	if err != nil {
		return err
	}
	sig, err := readFile(sigPath)
	if err != nil {
		return err
	}
	return verify.VerifySignature(e.opts.TrustedKey, data, sig)
}

// filesPhase re-checks every incoming package's files manifest against the
// live pkgdb, guarding against a file added out-of-band since Prepare.
func (e *Executor) filesPhase(ctx context.Context, ops []ostore.Dict) error {
	owned := map[string]string{}
	for _, name := range e.db.PkgNames() {
		files, err := e.db.GetPkgFiles(name)
		if err != nil {
			continue
		}
		for _, path := range files.Keys() {
			owned[path] = name
		}
	}

	for _, op := range ops {
		pkgname, _ := op.GetString("pkgname")
		tag, _ := op.GetString("transaction")
		if tag == "REMOVE" {
			continue
		}
		// A package flagged replace-files-in-pkg-update subsumes the
		// files of whatever installed package its replaces pattern
		// matched (transaction.applyReplaces); ownership moving to it
		// is expected, not a conflict.
		if op.GetBool("replace-files-in-pkg-update") {
			continue
		}
		files, _ := op.GetDict("files")
		for _, path := range files.Keys() {
			if owner, ok := owned[path]; ok && owner != pkgname {
				err := xbpserr.New(xbpserr.Again, "file %s already owned by %s", path, owner)
				e.notify(PhaseFiles, pkgname, err)
				return err
			}
		}
	}
	e.notify(PhaseFiles, "", nil)
	return nil
}

// runPhase drives each op through the install state machine in transd
// order: REMOVE/UPDATE pre-image first (HALF_REMOVED), then
// INSTALL/UPDATE/REINSTALL (HALF_UNPACKED -> UNPACKED).
func (e *Executor) runPhase(ctx context.Context, ops []ostore.Dict) error {
	for _, op := range ops {
		pkgname, _ := op.GetString("pkgname")
		tag, _ := op.GetString("transaction")
		ctx := clog.WithPkg(ctx, pkgname)

		var err error
		switch tag {
		case "REMOVE":
			err = e.runRemove(ctx, pkgname, op)
		case "HOLD":
			err = nil // held packages are skipped entirely at run time
		default:
			err = e.runInstall(ctx, pkgname, op, tag)
		}

		e.notify(PhaseRun, pkgname, err)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runRemove(ctx context.Context, pkgname string, op ostore.Dict) error {
	if err := e.db.SetPkgState(pkgname, pkgdb.HalfRemoved, nil); err != nil {
		return err
	}
	if err := e.db.Flush(); err != nil {
		return err
	}

	files, _ := e.db.GetPkgFiles(pkgname)
	for _, path := range files.Keys() {
		entry, _ := files.GetDict(path)
		if entry.GetBool("preserve") {
			continue
		}
		removeFile(filepath.Join(e.opts.Rootdir, path))
	}

	version, _ := op.GetString("pkgver")
	env := plugin.Env{Rootdir: e.opts.Rootdir, Arch: e.opts.Arch, TargetArch: e.opts.TargetArch}
	scriptPath := filepath.Join(e.opts.Rootdir, "var/db/xbps/scripts", pkgname+".REMOVE")
	if fileExists(scriptPath) {
		if err := e.run.Run(ctx, env, scriptPath, pkgname, version, plugin.Remove); err != nil {
			if !e.opts.ForceConfigure {
				return err
			}
		}
	}

	return e.db.SetPkgState(pkgname, pkgdb.NotInstalled, nil)
}

func (e *Executor) runInstall(ctx context.Context, pkgname string, op ostore.Dict, tag string) error {
	if err := e.db.SetPkgState(pkgname, pkgdb.HalfUnpacked, op); err != nil {
		return err
	}
	if err := e.db.Flush(); err != nil {
		return err
	}

	// Extraction itself is driven by archive.Iterator against the
	// downloaded artifact; the manifest recorded in op["files"] is
	// authoritative for what must land on disk and at what hash.
	path := pkgCachePath(e.opts.Cachedir, pkgname, op)
	if err := extractArtifact(ctx, path, e.opts.Rootdir, op); err != nil {
		return err
	}

	return e.db.SetPkgState(pkgname, pkgdb.Unpacked, nil)
}

// configurePhase runs each unpacked package's post-install script, then
// transitions it to Installed. Order follows transd.packages (already
// topologically sorted by Prepare), so a pkg's post script can call tools
// installed by its own dependencies.
func (e *Executor) configurePhase(ctx context.Context, ops []ostore.Dict) error {
	for _, op := range ops {
		pkgname, _ := op.GetString("pkgname")
		tag, _ := op.GetString("transaction")
		if tag == "REMOVE" || tag == "HOLD" {
			continue
		}

		version, _ := op.GetString("pkgver")
		env := plugin.Env{Rootdir: e.opts.Rootdir, Arch: e.opts.Arch, TargetArch: e.opts.TargetArch}
		scriptPath := filepath.Join(e.opts.Rootdir, "var/db/xbps/scripts", pkgname+".INSTALL")

		if fileExists(scriptPath) {
			if err := e.run.Run(clog.WithPkg(ctx, pkgname), env, scriptPath, pkgname, version, plugin.Post); err != nil {
				if !e.opts.ForceConfigure {
					e.notify(PhaseConfigure, pkgname, err)
					return err
				}
			}
		}

		if err := e.db.SetPkgState(pkgname, pkgdb.Installed, nil); err != nil {
			e.notify(PhaseConfigure, pkgname, err)
			return err
		}
		e.notify(PhaseConfigure, pkgname, nil)
	}
	return nil
}

