// Package xbpsconfig loads xbps.conf-style configuration: the main
// configuration file plus every drop-in fragment under xbps.d/, merged in
// filename order so a later fragment can override an earlier one.
// Grounded on the teacher's agentconfig ini-based configuration loader,
// adapted here to gopkg.in/ini.v1's multi-file Load/Append so merging
// xbps.d/*.conf fragments in place needs no custom merge logic.
package xbpsconfig

import (
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/ini.v1"
)

// Config is the parsed, merged configuration.
type Config struct {
	Repositories []string
	Cachedir     string
	Architecture string
	VirtualPkgs  map[string]string // pkgname pattern -> preferred provider
	IgnorePkgs   []string
	NoExtract    []string
	Preserve     []string
	Syslog       bool
}

// Load reads confdir/xbps.conf (if present) followed by every
// confdir/xbps.d/*.conf fragment in lexical order, later fragments
// overriding earlier scalar settings and extending list settings.
func Load(confdir string) (*Config, error) {
	cfg := &Config{VirtualPkgs: map[string]string{}}

	var files []string
	if main := filepath.Join(confdir, "xbps.conf"); fileExists(main) {
		files = append(files, main)
	}
	fragments, err := filepath.Glob(filepath.Join(confdir, "xbps.d", "*.conf"))
	if err != nil {
		return nil, err
	}
	sort.Strings(fragments)
	files = append(files, fragments...)

	if len(files) == 0 {
		return cfg, nil
	}

	iniCfg, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, files[0], toInterfaceSlice(files[1:])...)
	if err != nil {
		return nil, err
	}

	section := iniCfg.Section("")
	cfg.Cachedir = section.Key("cachedir").String()
	cfg.Architecture = section.Key("architecture").String()
	cfg.Syslog = section.Key("syslog").MustBool(false)
	cfg.Repositories = section.Key("repository").ValueWithShadows()
	cfg.IgnorePkgs = section.Key("ignorepkg").ValueWithShadows()
	cfg.NoExtract = section.Key("noextract").ValueWithShadows()
	cfg.Preserve = section.Key("preserve").ValueWithShadows()

	for _, v := range section.Key("virtualpkg").ValueWithShadows() {
		pattern, provider := splitVirtualPkg(v)
		if pattern != "" {
			cfg.VirtualPkgs[pattern] = provider
		}
	}

	return cfg, nil
}

func splitVirtualPkg(s string) (pattern, provider string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

func toInterfaceSlice(files []string) []interface{} {
	out := make([]interface{}, len(files))
	for i, f := range files {
		out[i] = f
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
