package main

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// librarySearch describes where a codec's shared object may live.
type librarySearch struct {
	name     string
	flag     string
	env      string
	baseDirs []string
	soNames  []string
}

var celtLibrarySearch = librarySearch{
	name:     "celt",
	flag:     "--celt-lib",
	env:      "MUMBLEPWA_CELT_LIB",
	baseDirs: []string{"/opt/libcelt", "third_party/libcelt", "./third_party/libcelt"},
	soNames:  []string{"libcelt0.so.0", "libcelt0.so", "libcelt.so.0", "libcelt.so"},
}

var opusLibrarySearch = librarySearch{
	name:     "opus",
	flag:     "--opus-lib",
	env:      "MUMBLEPWA_OPUS_LIB",
	baseDirs: []string{"/opt/libopus", "third_party/libopus", "./third_party/libopus"},
	soNames:  []string{"libopus.so.0", "libopus.so"},
}

// candidates returns the explicit path alone, or every arch-specific and
// system location in lookup order.
func (l librarySearch) candidates(explicit string) []string {
	if path := strings.TrimSpace(explicit); path != "" {
		return []string{path}
	}

	archDirs := []string{"linux-x86_64", "linux-aarch64", "linux-arm64", "linux-armv7l"}
	switch runtime.GOARCH {
	case "amd64":
		archDirs = append([]string{"linux-musl-x86_64"}, archDirs...)
	case "arm64":
		archDirs = append([]string{"linux-musl-aarch64", "linux-aarch64", "linux-arm64"}, archDirs...)
	case "arm":
		archDirs = append([]string{"linux-musl-armv7l", "linux-armv7l"}, archDirs...)
	}

	seen := make(map[string]struct{})
	out := make([]string, 0, len(l.baseDirs)*(len(archDirs)+1)*len(l.soNames)+len(l.soNames))
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for _, base := range l.baseDirs {
		for _, so := range l.soNames {
			add(filepath.Clean(filepath.Join(base, so)))
		}
		for _, arch := range archDirs {
			for _, so := range l.soNames {
				add(filepath.Clean(filepath.Join(base, arch, so)))
			}
		}
	}
	for _, so := range l.soNames {
		add(so)
	}
	return out
}

// loadError summarises every failed candidate, with a hint when the loader
// output points at a known deployment mistake.
func (l librarySearch) loadError(tried []string, explicit bool) error {
	if len(tried) == 0 {
		return fmt.Errorf("failed to load %s library: no candidate path", l.name)
	}

	shown := tried
	if len(tried) > 4 {
		shown = append([]string{}, tried[:4]...)
		shown = append(shown, fmt.Sprintf("... +%d more", len(tried)-4))
	}

	hint := ""
	for _, item := range tried {
		lower := strings.ToLower(item)
		switch {
		case strings.Contains(item, "__memcpy_chk"):
			hint = " (detected glibc/musl mismatch; use a musl build on Alpine)"
		case strings.Contains(lower, "wrong elf class"), strings.Contains(lower, "exec format error"):
			hint = " (detected architecture mismatch; verify library arch matches runtime arch)"
		case strings.Contains(lower, "missing symbol"):
			hint = fmt.Sprintf(" (library does not export the expected %s API)", l.name)
		}
		if hint != "" {
			break
		}
	}
	if hint == "" && explicit {
		hint = " (explicit path was provided but could not be opened)"
	}

	return fmt.Errorf(
		"failed to load %s library; set %s or %s%s (tried %d candidates: %s)",
		l.name, l.flag, l.env, hint, len(tried), strings.Join(shown, "; "),
	)
}
