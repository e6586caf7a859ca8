// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package camserver holds code to drive PILATUS detector control boards
// over a GigaSTaR fiber link.
package camserver // import "github.com/go-lpc/camserver"

import (
	"runtime/debug"
)

// Version returns the version of camserver and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

const modPath = "github.com/go-lpc/camserver"

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}
	for _, m := range b.Deps {
		if m.Path == modPath {
			return modVersion(m)
		}
	}
	return "", ""
}

// modVersion returns the version of m, following its replacement if any.
// Local replacements are flagged with a trailing star.
func modVersion(m *debug.Module) (version, sum string) {
	r := m.Replace
	switch {
	case r == nil:
		return m.Version, m.Sum
	case r.Path != "" && r.Version != "":
		return r.Path + " " + r.Version, r.Sum
	case r.Version != "":
		return r.Version, r.Sum
	case r.Path != "":
		return r.Path, r.Sum
	}
	return m.Version + "*", ""
}
