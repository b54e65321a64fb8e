// Package bpath canonicalizes slash-separated paths used by the VFS.
package bpath

import "ustr"

// Canonicalize collapses "." and ".." components and repeated slashes in
// an absolute path, the way a shell or libc realpath would, but without
// touching the filesystem. It never removes a leading ".." past root.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	comps := split(p)
	out := make([]ustr.Ustr, 0, len(comps))
	for _, c := range comps {
		switch {
		case len(c) == 0, c.Isdot():
			continue
		case c.Isdotdot():
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, c)
		}
	}
	ret := ustr.MkUstrRoot()
	for i, c := range out {
		if i > 0 {
			ret = append(ret, '/')
		}
		ret = append(ret, c...)
	}
	return ret
}

// split breaks a path into its '/'-separated, non-empty components.
func split(p ustr.Ustr) []ustr.Ustr {
	var ret []ustr.Ustr
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				ret = append(ret, p[start:i])
			}
			start = i + 1
		}
	}
	return ret
}
