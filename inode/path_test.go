package inode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blockfs/blockfs/common"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/":            "/",
		"":             "/",
		".":            "/",
		"/..":          "/",
		"/a":           "/a",
		"a":            "/a",
		"/a/":          "/a",
		"//a///b//":    "/a/b",
		"/a/./b":       "/a/b",
		"/a/../b":      "/b",
		"/a/b/../../c": "/c",
		"/../../x":     "/x",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePath(in), "input %q", in)
	}
}

func TestSplitPath(t *testing.T) {
	cases := []struct {
		in, parent, name string
	}{
		{"/", "/", ""},
		{"/a", "/", "a"},
		{"/a/b", "/a", "b"},
		{"/a/b/c.txt", "/a/b", "c.txt"},
		{"/a//b/", "/a", "b"},
	}
	for _, c := range cases {
		parent, name := SplitPath(c.in)
		assert.Equal(t, c.parent, parent, "input %q", c.in)
		assert.Equal(t, c.name, name, "input %q", c.in)
	}
}

func TestValidName(t *testing.T) {
	assert := assert.New(t)
	assert.True(ValidName("a"))
	assert.True(ValidName("notes.txt"))
	assert.True(ValidName(strings.Repeat("x", common.MaxNameLen)))

	assert.False(ValidName(""))
	assert.False(ValidName(strings.Repeat("x", common.MaxNameLen+1)))
	for _, bad := range []string{"a/b", "a\x00b", "a\\b", "a:b", "a*b", "a?b", `a"b`, "a<b", "a>b", "a|b"} {
		assert.False(ValidName(bad), "name %q", bad)
	}
}
