// Package ostore implements the generic typed KV tree ("ObjectStore") that
// every higher-level shape in this engine (Pkg, Files manifest, Repo index,
// Pkgdb, transd) is built on top of: a tagged union of six leaf types plus
// two composites, with atomic externalize-to-file semantics. The on-disk
// byte layout is deliberately NOT the real XBPS property-list format (that
// wire format is an external collaborator per spec); Dict/Array round-trip
// through a self-describing YAML document instead, adapted from the way
// google-oss-rebuild's pkg/ini and pkg/builddef packages persist typed
// config trees with gopkg.in/yaml.v3.
package ostore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Dict is a dictionary-keysym composite. Keys are sorted on Iterate and on
// Externalize; Go's own map iteration order is never relied on.
type Dict map[string]Value

// Array is an ordered composite; insertion order is preserved.
type Array []Value

// Value is the sum type every ObjectStore node implements: Dict, Array,
// bool, int64, uint64, string, or []byte (the "data" leaf).
type Value interface{}

// Keys returns d's keys in sorted order, the order Externalize and
// Iterate use.
func (d Dict) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetDict returns the Dict at key, or ok=false if the key is absent or the
// value is not a Dict.
func (d Dict) GetDict(key string) (Dict, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	sub, ok := v.(Dict)
	return sub, ok
}

// GetArray returns the Array at key, or ok=false.
func (d Dict) GetArray(key string) (Array, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	a, ok := v.(Array)
	return a, ok
}

// GetString returns the string at key, or ok=false.
func (d Dict) GetString(key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool returns the bool at key, defaulting to false when absent.
func (d Dict) GetBool(key string) bool {
	v, ok := d[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// GetInt64 returns the int64 at key, or ok=false.
func (d Dict) GetInt64(key string) (int64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

// GetStringArray returns the array at key flattened into a []string,
// skipping any non-string elements. Used pervasively for run_depends,
// provides, replaces, conflicts, shlib-requires, shlib-provides.
func (d Dict) GetStringArray(key string) []string {
	a, ok := d.GetArray(key)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(a))
	for _, v := range a {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep, independent copy of v (copy-mutable semantics:
// the result may be mutated without affecting the original).
func Clone(v Value) Value {
	switch t := v.(type) {
	case Dict:
		out := make(Dict, len(t))
		for k, sub := range t {
			out[k] = Clone(sub)
		}
		return out
	case Array:
		out := make(Array, len(t))
		for i, sub := range t {
			out[i] = Clone(sub)
		}
		return out
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	default:
		// bool, int64, uint64, string are Go value types: already
		// independent copies when assigned.
		return t
	}
}

// Equal reports whether a and b are structurally identical.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Dict:
		bv, ok := b.(Dict)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !Equal(v, bvv) {
				return false
			}
		}
		return true
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case []byte:
		bv, ok := b.([]byte)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// WriteFileAtomic externalizes data to path via tmp+fsync+rename on the
// same filesystem as path, so readers never observe a partially-written
// file. Every durable write in this engine (pkgdb flush, repodata publish,
// trusted-key import) goes through this helper.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("ostore: creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("ostore: writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ostore: fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ostore: closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("ostore: chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("ostore: renaming %s to %s: %w", tmpName, path, err)
	}
	return nil
}
