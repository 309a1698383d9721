// Package handle implements the process-wide Handle: configuration plus
// live state tying together the RepoPool, Pkgdb, TransactionBuilder, and
// Executor behind the lifecycle spec.md §3 describes (Init/End). Grounded
// on GoogleCloudPlatform-osconfig's agent entrypoint, which wires a
// config loader, a lazily-opened inventory snapshot, and task callbacks
// behind one long-lived struct the same way Handle does here.
package handle

import (
	"context"
	"path/filepath"
	"runtime"

	"github.com/voidlinux/xbpsgo/clog"
	"github.com/voidlinux/xbpsgo/executor"
	"github.com/voidlinux/xbpsgo/fetch"
	"github.com/voidlinux/xbpsgo/pkgdb"
	"github.com/voidlinux/xbpsgo/repo"
	"github.com/voidlinux/xbpsgo/repopool"
	"github.com/voidlinux/xbpsgo/transaction"
	"github.com/voidlinux/xbpsgo/xbpsconfig"
	"github.com/voidlinux/xbpsgo/xbpserr"
)

// Flags is the bitset of boolean switches spec.md §6 lists (FORCE,
// IGNORE_FILE_CONFLICTS, FORCE_UNPACK, FORCE_CONFIGURE, BESTMATCH,
// DOWNLOAD_ONLY, UNPACK_ONLY).
type Flags struct {
	Force               bool
	IgnoreFileConflicts bool
	ForceUnpack         bool
	ForceConfigure      bool
	BestMatch           bool
	DownloadOnly        bool
	UnpackOnly          bool
}

// Config is the subset of Handle's fields a caller supplies before Init;
// everything else is derived or defaulted.
type Config struct {
	Rootdir    string
	Confdir    string
	NativeArch string
	TargetArch string
	Flags      Flags

	StateCallback executor.StateFunc
	FetchCallback fetch.ProgressFunc
}

// Handle is the engine's top-level, process-wide object.
type Handle struct {
	Rootdir    string
	Metadir    string
	Cachedir   string
	Confdir    string
	NativeArch string
	TargetArch string
	Flags      Flags

	Repositories   []string
	VirtualPkgs    map[string]string
	IgnoredPkgs    []string
	NoExtract      []string
	PreservedFiles []string

	db      *pkgdb.Pkgdb
	pool    *repopool.Pool
	stateCb executor.StateFunc
	fetchCb fetch.ProgressFunc
}

// Init loads confdir's configuration, opens the pkgdb, builds the repo
// pool, and scans for packages left in an interrupted transaction state.
// Callers must call End when done to release the pkgdb lock.
func Init(ctx context.Context, cfg Config) (*Handle, error) {
	rootdir := cfg.Rootdir
	if rootdir == "" {
		rootdir = "/"
	}
	metadir := filepath.Join(rootdir, "var/db/xbps")
	cachedir := filepath.Join(rootdir, "var/cache/xbps")
	confdir := cfg.Confdir
	if confdir == "" {
		confdir = filepath.Join(rootdir, "etc/xbps.d")
	}

	fileCfg, err := xbpsconfig.Load(confdir)
	if err != nil {
		return nil, xbpserr.Wrap(xbpserr.IO, err, "loading configuration from %s", confdir)
	}
	if fileCfg.Cachedir != "" {
		cachedir = fileCfg.Cachedir
	}

	nativeArch := cfg.NativeArch
	if nativeArch == "" {
		nativeArch = fileCfg.Architecture
	}
	if nativeArch == "" {
		nativeArch = defaultArch()
	}

	db, err := pkgdb.Open(metadir)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		Rootdir:        rootdir,
		Metadir:        metadir,
		Cachedir:       cachedir,
		Confdir:        confdir,
		NativeArch:     nativeArch,
		TargetArch:     cfg.TargetArch,
		Flags:          cfg.Flags,
		Repositories:   fileCfg.Repositories,
		VirtualPkgs:    fileCfg.VirtualPkgs,
		IgnoredPkgs:    fileCfg.IgnorePkgs,
		NoExtract:      fileCfg.NoExtract,
		PreservedFiles: fileCfg.Preserve,
		db:             db,
		stateCb:        cfg.StateCallback,
		fetchCb:        cfg.FetchCallback,
	}

	pool, err := h.loadPool()
	if err != nil {
		db.Close()
		return nil, err
	}
	h.pool = pool

	if stuck := db.LogRecovery(ctx); len(stuck) > 0 {
		clog.Warningf(ctx, "%d package(s) left in an interrupted transaction state: %v", len(stuck), stuck)
	}

	return h, nil
}

func (h *Handle) loadPool() (*repopool.Pool, error) {
	var repos []*repo.Repo
	for _, uri := range h.Repositories {
		r, err := repo.Load(uri, h.NativeArch)
		if err != nil {
			r = repo.New(uri, h.NativeArch)
		}
		repos = append(repos, r)
	}
	return repopool.New(repos, h.Flags.BestMatch), nil
}

// End releases the pkgdb lock. It does not flush: callers own flushing
// via a completed Executor.Commit.
func (h *Handle) End() error {
	return h.db.Close()
}

// Pkgdb returns the handle's lazily-opened package database.
func (h *Handle) Pkgdb() *pkgdb.Pkgdb { return h.db }

// Pool returns the handle's repository pool.
func (h *Handle) Pool() *repopool.Pool { return h.pool }

// NewBuilder returns a TransactionBuilder bound to this handle's pool,
// pkgdb, rootdir, and flags.
func (h *Handle) NewBuilder() *transaction.Builder {
	return transaction.New(h.pool, h.db, h.Rootdir, transaction.Flags{
		Force:               h.Flags.Force,
		IgnoreFileConflicts: h.Flags.IgnoreFileConflicts,
		ForceUnpack:         h.Flags.ForceUnpack,
	})
}

// NewExecutor returns an Executor bound to this handle's pkgdb, rootdir,
// cachedir, and registered callbacks.
func (h *Handle) NewExecutor() *executor.Executor {
	return executor.New(h.db, executor.Options{
		Rootdir:        h.Rootdir,
		Cachedir:       h.Cachedir,
		Arch:           h.NativeArch,
		TargetArch:     h.TargetArch,
		ForceConfigure: h.Flags.ForceConfigure,
		DownloadOnly:   h.Flags.DownloadOnly,
		UnpackOnly:     h.Flags.UnpackOnly,
		OnState:        h.stateCb,
		OnFetch:        h.fetchCb,
	})
}

func defaultArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "386":
		return "i686"
	case "arm64":
		return "aarch64"
	case "arm":
		return "armv7l"
	default:
		return runtime.GOARCH
	}
}
