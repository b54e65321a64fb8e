// Package ustr holds the kernel's byte-string type for pathnames and
// path components: immutable by convention, no encoding assumptions.
package ustr

/// Ustr is a kernel byte string.
type Ustr []uint8

/// Isdot reports whether the string is ".".
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

/// Isdotdot reports whether the string is "..".
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

/// Eq reports byte equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

/// MkUstr returns the empty string.
func MkUstr() Ustr {
	return Ustr{}
}

/// MkUstrDot returns ".".
func MkUstrDot() Ustr {
	return Ustr(".")
}

/// MkUstrRoot returns "/".
func MkUstrRoot() Ustr {
	return Ustr("/")
}

/// MkUstrSlice truncates buf at its first NUL and returns it as a Ustr.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

/// Extend returns us + "/" + p without modifying us.
func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us), len(us)+1+len(p))
	copy(tmp, us)
	tmp = append(tmp, '/')
	return append(tmp, p...)
}

/// ExtendStr is Extend with a string component.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

/// IsAbsolute reports whether the path starts at the root.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

/// IndexByte returns the first index of b, or -1.
func (us Ustr) IndexByte(b uint8) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

func (us Ustr) String() string {
	return string(us)
}
