package pkgdb

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/voidlinux/xbpsgo/ostore"
)

// Inconsistency describes a single problem found by Check.
type Inconsistency struct {
	Pkgname string
	Problem string
}

func (i Inconsistency) String() string {
	return fmt.Sprintf("%s: %s", i.Pkgname, i.Problem)
}

// Check runs the integrity pass supplemented from the original xbps-pkgdb
// "-a"/"-v" audit: every installed package has a manifest, requiredby
// edges are symmetric with their source's run_depends, no two packages
// claim the same file, and (when rootdir is non-empty) every regular file
// still hashes to its recorded sha256. It never mutates the database; it
// only reports.
func (db *Pkgdb) Check(rootdir string) []Inconsistency {
	db.mu.Lock()
	installed := make(ostore.Dict, len(db.installed))
	for k, v := range db.installed {
		installed[k] = v
	}
	db.mu.Unlock()

	var problems []Inconsistency
	fileOwner := map[string]string{}

	for _, name := range installed.Keys() {
		pkg, _ := installed.GetDict(name)

		if _, ok := pkg.GetDict("files"); !ok {
			problems = append(problems, Inconsistency{name, "missing files manifest"})
		}

		for _, dep := range pkg.GetStringArray("run_depends") {
			depName := dependencyName(dep)
			depPkg, ok := installed.GetDict(depName)
			if !ok {
				problems = append(problems, Inconsistency{name, "missing dependency " + depName})
				continue
			}
			if !stringSliceContains(depPkg.GetStringArray("requiredby"), name) {
				problems = append(problems, Inconsistency{depName, "missing requiredby entry for " + name})
			}
		}

		files, _ := pkg.GetDict("files")
		for _, path := range files.Keys() {
			if owner, dup := fileOwner[path]; dup && owner != name {
				problems = append(problems, Inconsistency{name, "file " + path + " also owned by " + owner})
				continue
			}
			fileOwner[path] = name

			if rootdir == "" {
				continue
			}
			entry, _ := files.GetDict(path)
			wantHash, ok := entry.GetString("sha256")
			if !ok {
				continue
			}
			if err := verifyFileHash(filepath.Join(rootdir, path), wantHash); err != nil {
				problems = append(problems, Inconsistency{name, path + ": " + err.Error()})
			}
		}
	}

	return problems
}

func dependencyName(pattern string) string {
	for _, op := range []string{">=", "<=", "==", "!=", ">", "<"} {
		if idx := strings.Index(pattern, op); idx > 0 {
			return pattern[:idx]
		}
	}
	return pattern
}

func stringSliceContains(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

func verifyFileHash(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("missing on disk")
		}
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return fmt.Errorf("sha256 mismatch: got %s want %s", got, want)
	}
	return nil
}
