package fs

import (
	"defs"
	"stat"
	"ustr"
)

// Pathname resolution: walk components, crossing mount points
// downward at covered inodes and upward at mounted roots, invoking the
// per-fs Lookup for everything else. Symlinks are followed with a fixed
// depth limit.

const maxLinkDepth = 8

/// PATHMAX bounds any user-supplied pathname.
const PATHMAX = 1024

// splitPath returns path's components, skipping empty ones (so "//a/"
// walks like "/a").
func splitPath(path ustr.Ustr) []ustr.Ustr {
	var parts []ustr.Ustr
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// walkStart picks the starting inode: the root mount's root for an
// absolute path, else cwd (referenced either way).
func walkStart(cwd *Inode_t, path ustr.Ustr) (*Inode_t, defs.Err_t) {
	if path.IsAbsolute() || cwd == nil {
		return RootInode()
	}
	cwd.Refup()
	return cwd, 0
}

// advance resolves one component from dir, handling mount crossings.
// Consumes dir's reference on success and failure alike.
func advance(dir *Inode_t, name ustr.Ustr) (*Inode_t, defs.Err_t) {
	if !dir.IsDir() {
		Inode_put(dir)
		return nil, -defs.ENOTDIR
	}
	if name.Isdotdot() {
		// ".." at a mounted root leaves the mount first
		if cov, ok := coveredFor(dir); ok {
			cov.Refup()
			Inode_put(dir)
			dir = cov
		}
	}
	dir.L.Lock()
	inum, err := dir.Sb.Iops.Lookup(dir, name)
	dir.L.Unlock()
	if err != 0 {
		Inode_put(dir)
		return nil, err
	}
	next, err := Inode_get(dir.Sb, inum)
	Inode_put(dir)
	if err != 0 {
		return nil, err
	}
	// descend into a mount covering the found inode
	if msb, ok := mountedRootFor(next); ok {
		root, err := Inode_get(msb, msb.Root)
		Inode_put(next)
		if err != 0 {
			return nil, err
		}
		next = root
	}
	return next, 0
}

// readSymlink reads the link body of i.
func readSymlink(i *Inode_t) (ustr.Ustr, defs.Err_t) {
	i.L.Lock()
	target, err := i.Sb.Iops.Readlink(i)
	i.L.Unlock()
	return target, err
}

// namei walks path from cwd. With parent set, it stops early and
// returns the containing directory plus the final component
// (parent-form); otherwise it returns the final inode
// (NAMEI_GET_INODE). followLast controls symlink traversal of the last
// component.
func namei(cwd *Inode_t, path ustr.Ustr, parent bool, followLast bool, depth int) (*Inode_t, ustr.Ustr, defs.Err_t) {
	if depth > maxLinkDepth {
		return nil, nil, -defs.ELOOP
	}
	cur, err := walkStart(cwd, path)
	if err != 0 {
		return nil, nil, err
	}
	parts := splitPath(path)
	if len(parts) == 0 {
		if parent {
			// "/" has no parent form
			Inode_put(cur)
			return nil, nil, -defs.EINVAL
		}
		return cur, nil, 0
	}
	for n, name := range parts {
		last := n == len(parts)-1
		if last && parent {
			if !cur.IsDir() {
				Inode_put(cur)
				return nil, nil, -defs.ENOTDIR
			}
			return cur, name, 0
		}
		prev := cur
		prev.Refup() // hold the directory across a possible symlink restart
		next, err := advance(cur, name)
		if err != 0 {
			Inode_put(prev)
			return nil, nil, err
		}
		if next.Mode&stat.S_IFMT == stat.S_IFLNK && (!last || followLast) {
			target, lerr := readSymlink(next)
			Inode_put(next)
			if lerr != 0 {
				Inode_put(prev)
				return nil, nil, lerr
			}
			// resolve the link target relative to the directory,
			// then continue the remaining components from there
			sub, _, serr := namei(prev, target, false, true, depth+1)
			Inode_put(prev)
			if serr != 0 {
				return nil, nil, serr
			}
			cur = sub
			if last {
				return cur, nil, 0
			}
			continue
		}
		Inode_put(prev)
		cur = next
		if last {
			return cur, nil, 0
		}
	}
	panic("unreachable")
}

/// Namei resolves path (relative to cwd when not absolute) to a
/// referenced inode, following symlinks.
func Namei(cwd *Inode_t, path ustr.Ustr) (*Inode_t, defs.Err_t) {
	i, _, err := namei(cwd, path, false, true, 0)
	return i, err
}

/// NameiNofollow resolves path without following a trailing symlink.
func NameiNofollow(cwd *Inode_t, path ustr.Ustr) (*Inode_t, defs.Err_t) {
	i, _, err := namei(cwd, path, false, false, 0)
	return i, err
}

/// NameiParent resolves path to its containing directory plus the last
/// component (the parent form used by create/unlink/link/rename).
func NameiParent(cwd *Inode_t, path ustr.Ustr) (*Inode_t, ustr.Ustr, defs.Err_t) {
	return namei(cwd, path, true, true, 0)
}
