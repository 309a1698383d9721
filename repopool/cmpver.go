package repopool

import (
	"strconv"
	"strings"
)

// CmpVer compares two version[_rev] strings per spec.md §4.5 and returns
// -1, 0, or +1. Domain-specific version comparison has no ecosystem
// library in the retrieved corpus to ground on (Masterminds/semver
// assumes semver dotted-triplet + prerelease syntax, which xbps versions
// do not follow) — this is the engine's own algorithm, implemented from
// the specification rather than a third party.
func CmpVer(a, b string) int {
	aMain, aRev := splitRev(a)
	bMain, bRev := splitRev(b)

	if c := compareDotted(aMain, bMain); c != 0 {
		return c
	}
	return compareInt(aRev, bRev)
}

func splitRev(v string) (main string, rev int) {
	idx := strings.LastIndexByte(v, '_')
	if idx < 0 {
		return v, 0
	}
	n, err := strconv.Atoi(v[idx+1:])
	if err != nil {
		// Not a valid _rev suffix; treat the whole string as the
		// version, as the spec only special-cases a trailing numeric
		// _rev.
		return v, 0
	}
	return v[:idx], n
}

func compareDotted(a, b string) int {
	ac := strings.Split(a, ".")
	bc := strings.Split(b, ".")

	n := len(ac)
	if len(bc) > n {
		n = len(bc)
	}

	for i := 0; i < n; i++ {
		var ca, cb string
		if i < len(ac) {
			ca = ac[i]
		}
		if i < len(bc) {
			cb = bc[i]
		}
		if c := compareComponent(ca, cb); c != 0 {
			return c
		}
	}
	return 0
}

// segment is a maximal run of digits or a maximal run of non-digits within
// a single dot-separated component, e.g. "0rc1" -> [{digit,"0"}
// {alpha,"rc"} {digit,"1"}].
type segment struct {
	digit bool
	text  string
}

func tokenize(c string) []segment {
	var segs []segment
	i := 0
	for i < len(c) {
		isDigit := c[i] >= '0' && c[i] <= '9'
		j := i + 1
		for j < len(c) && (c[j] >= '0' && c[j] <= '9') == isDigit {
			j++
		}
		segs = append(segs, segment{digit: isDigit, text: c[i:j]})
		i = j
	}
	return segs
}

// suffixRank orders the recognized pre-release tags so that
// alpha < beta < pre < rc < (no suffix) < pl, per spec.md §4.5.
var suffixRank = map[string]int{
	"alpha": -4,
	"beta":  -3,
	"pre":   -2,
	"rc":    -1,
	"pl":    1,
}

func alphaRank(s string) int {
	if s == "" {
		return 0
	}
	if r, ok := suffixRank[s]; ok {
		return r
	}
	// Unrecognized alpha segment (e.g. a trailing single letter like
	// "1.0a" vs "1.0b"): rank it above every known pre-release tag and
	// below "pl" compares by first falling back to lexical order among
	// themselves, anchored just above "rc" and below "pl" so unknown
	// segments still sort before a release with no suffix at all would
	// be wrong — so anchor them just above release (0) like "pl" does,
	// distinguished from "pl" itself by a tiebreak on the string.
	return 2
}

func compareComponent(a, b string) int {
	as := tokenize(a)
	bs := tokenize(b)

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		var sa, sb segment
		haveA, haveB := i < len(as), i < len(bs)
		if haveA {
			sa = as[i]
		}
		if haveB {
			sb = bs[i]
		}

		switch {
		case haveA && haveB && sa.digit && sb.digit:
			if c := compareNumericString(sa.text, sb.text); c != 0 {
				return c
			}
		case haveA && haveB && !sa.digit && !sb.digit:
			if c := compareAlphaSegment(sa.text, sb.text); c != 0 {
				return c
			}
		case haveA && haveB:
			// Numeric beats alpha at the same position.
			if sa.digit {
				return 1
			}
			return -1
		case haveA && !haveB:
			if sa.digit {
				if compareNumericString(sa.text, "0") != 0 {
					return 1
				}
			} else if alphaRank(sa.text) != 0 {
				return sign(alphaRank(sa.text))
			}
		case !haveA && haveB:
			if sb.digit {
				if compareNumericString("0", sb.text) != 0 {
					return -1
				}
			} else if alphaRank(sb.text) != 0 {
				return -sign(alphaRank(sb.text))
			}
		}
	}
	return 0
}

func compareAlphaSegment(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := alphaRank(a), alphaRank(b)
	if ra != rb {
		return sign(ra - rb)
	}
	return strings.Compare(a, b)
}

func compareNumericString(a, b string) int {
	// Values are unbounded in theory; compare by stripped length then
	// lexically to avoid overflow on pathological inputs.
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		return sign(len(a) - len(b))
	}
	return strings.Compare(a, b)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
