// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pathfilter projects paths between an upstream repository and
// the subdirectory of it that a subgit republishes, the way grit's
// main.go projects paths through its strip/rewrite rules but as a pair
// of total, invertible functions rather than a rule list.
package pathfilter

import (
	"path"
	"strings"
)

// Filter projects paths between the upstream side of a sync (where the
// tracked content lives at UpstreamSubdir) and the subgit side (where
// it's republished, optionally re-rooted under SubgitSubdir).
type Filter struct {
	// UpstreamSubdir is the non-empty upstream-relative directory this
	// subgit tracks, e.g. "services/billing".
	UpstreamSubdir string
	// SubgitSubdir is the subgit-relative directory the tracked content
	// is re-rooted under. Empty means the subgit repository root.
	SubgitSubdir string
}

// New builds a Filter, normalizing away leading/trailing slashes so
// prefix comparisons operate on clean slash-separated components.
func New(upstreamSubdir, subgitSubdir string) Filter {
	return Filter{
		UpstreamSubdir: trim(upstreamSubdir),
		SubgitSubdir:   trim(subgitSubdir),
	}
}

func trim(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

// ProjectDown maps an upstream-relative path onto its subgit-relative
// counterpart. It returns ok=false if p does not fall under
// UpstreamSubdir, in which case the change the path belongs to is
// dropped by the caller.
func (f Filter) ProjectDown(p string) (projected string, ok bool) {
	rest, ok := stripPrefix(p, f.UpstreamSubdir)
	if !ok {
		return "", false
	}
	return joinUnder(f.SubgitSubdir, rest), true
}

// ProjectUp maps a subgit-relative path onto its upstream-relative
// counterpart. When SubgitSubdir is empty every path trivially has it
// as a prefix.
func (f Filter) ProjectUp(p string) (projected string, ok bool) {
	rest, ok := stripPrefix(p, f.SubgitSubdir)
	if !ok {
		return "", false
	}
	return joinUnder(f.UpstreamSubdir, rest), true
}

// stripPrefix reports whether p falls under prefix (treated as a clean
// slash-separated directory, empty meaning "matches everything") and
// returns the remainder with the prefix and any leading slash removed.
func stripPrefix(p, prefix string) (rest string, ok bool) {
	p = trim(p)
	if prefix == "" {
		return p, true
	}
	if p == prefix {
		return "", true
	}
	if strings.HasPrefix(p, prefix+"/") {
		return p[len(prefix)+1:], true
	}
	return "", false
}

// joinUnder re-roots rest (possibly empty) under root (possibly empty).
func joinUnder(root, rest string) string {
	switch {
	case root == "":
		return rest
	case rest == "":
		return root
	default:
		return root + "/" + rest
	}
}
