package pkgdb

import "github.com/voidlinux/xbpsgo/xbpserr"

// State is a package's position in the install state machine (spec.md
// §4.6). Every durable transition is flushed to disk before the executor
// proceeds to the next phase, so a crash always leaves a package in one of
// these named states rather than some half-written intermediate.
type State int

const (
	NotInstalled State = iota
	HalfUnpacked
	Unpacked
	Installed
	HalfRemoved
)

func (s State) String() string {
	switch s {
	case NotInstalled:
		return "not-installed"
	case HalfUnpacked:
		return "half-unpacked"
	case Unpacked:
		return "unpacked"
	case Installed:
		return "installed"
	case HalfRemoved:
		return "half-removed"
	default:
		return "unknown"
	}
}

// legalTransitions enumerates the edges of the state machine. An attempt
// to move a package to a state not listed here for its current state
// returns xbpserr.Inval and leaves the pkgdb entry untouched, per spec.md
// §4.6's "illegal transitions are rejected without mutating state" rule.
var legalTransitions = map[State]map[State]bool{
	NotInstalled: {HalfUnpacked: true},
	HalfUnpacked: {Unpacked: true, HalfRemoved: true},
	Unpacked:     {Installed: true, HalfRemoved: true},
	Installed:    {HalfRemoved: true, HalfUnpacked: true}, // reinstall/update re-enters unpack
	HalfRemoved:  {NotInstalled: true, HalfUnpacked: true},
}

// ValidateTransition reports an *xbpserr.Error if moving from cur to next
// is not a legal edge in the state machine.
func ValidateTransition(cur, next State) error {
	if legalTransitions[cur][next] {
		return nil
	}
	return xbpserr.New(xbpserr.Inval, "illegal state transition %s -> %s", cur, next)
}
