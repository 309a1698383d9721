// Package repopool implements the ordered repository pool: best-match and
// virtual-package lookups, reverse-dependency queries, and version pattern
// matching (spec.md §4.4–4.5).
package repopool

import (
	"strings"

	"github.com/gobwas/glob"
)

// SplitPkgver splits "pkgname-version_rev" into name and version per
// spec.md's GLOSSARY definition of pkgver. xbps pkgnames may themselves
// contain hyphens, so the split walks from the right looking for the last
// "-" whose remainder looks like a version token (starts with a digit).
func SplitPkgver(pkgver string) (name, version string) {
	rest := pkgver
	for {
		idx := strings.LastIndexByte(rest, '-')
		if idx < 0 {
			return pkgver, ""
		}
		cand := rest[idx+1:]
		if len(cand) > 0 && cand[0] >= '0' && cand[0] <= '9' {
			return rest[:idx], cand
		}
		rest = rest[:idx]
	}
}

// PkgName returns the pkgname component of a pkgver.
func PkgName(pkgver string) string {
	name, _ := SplitPkgver(pkgver)
	return name
}

// PkgVersion returns the version component (including any _rev) of a
// pkgver.
func PkgVersion(pkgver string) string {
	_, version := SplitPkgver(pkgver)
	return version
}

var relOps = []string{">=", "<=", "==", "!=", ">", "<"}

// Match implements pattern_match(version, pattern) per spec.md §4.5: exact
// match, relational "name<op>ver", or glob "name-*" matched with POSIX
// fnmatch semantics (here github.com/gobwas/glob, the library promoted
// from an indirect dependency of the teacher for exactly this class of
// shell-glob matching).
func Match(pkgver, pattern string) bool {
	if isGlobPattern(pattern) {
		g, err := glob.Compile(pattern)
		if err != nil {
			return false
		}
		return g.Match(pkgver) || g.Match(PkgName(pkgver))
	}

	for _, op := range relOps {
		if idx := strings.Index(pattern, op); idx > 0 {
			name := pattern[:idx]
			ver := pattern[idx+len(op):]
			if name != PkgName(pkgver) {
				return false
			}
			return compareOp(CmpVer(PkgVersion(pkgver), ver), op)
		}
	}

	// Bare name or bare pkgver: exact match against either form.
	return pattern == pkgver || pattern == PkgName(pkgver)
}

func isGlobPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[]")
}

func compareOp(cmp int, op string) bool {
	switch op {
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	default:
		return false
	}
}
