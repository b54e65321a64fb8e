package bpath

import (
	"testing"

	"ustr"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"/", "/"},
		{"/a/b/c", "/a/b/c"},
		{"/a//b///c", "/a/b/c"},
		{"/a/./b/.", "/a/b"},
		{"/a/b/..", "/a"},
		{"/a/b/../..", "/"},
		{"/..", "/"},
		{"/../../x", "/x"},
		{"/a/b/./../c", "/a/c"},
	}
	for _, c := range cases {
		got := Canonicalize(ustr.Ustr(c.in))
		if got.String() != c.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", c.in, got.String(), c.want)
		}
	}
}
