package inode

import (
	"fmt"
	"strings"

	"github.com/blockfs/blockfs/common"
)

// illegalNameChars can never appear in a file or directory name.
const illegalNameChars = "/\x00\\:*?\"<>|"

// ValidName reports whether name is usable as a directory entry.
func ValidName(name string) bool {
	if name == "" || len(name) > common.MaxNameLen {
		return false
	}
	return !strings.ContainsAny(name, illegalNameChars)
}

// NormalizePath resolves "." and ".." components and duplicate
// separators lexically; there are no symlinks to chase. The result is
// absolute ("/" rooted); a relative input is treated as rooted too.
func NormalizePath(path string) string {
	var components []string
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
		case "..":
			if len(components) > 0 {
				components = components[:len(components)-1]
			}
		default:
			components = append(components, part)
		}
	}
	if len(components) == 0 {
		return "/"
	}
	return "/" + strings.Join(components, "/")
}

// SplitPath splits a normalized path into its parent directory and the
// final component. The root has no final component.
func SplitPath(path string) (string, string) {
	path = NormalizePath(path)
	if path == "/" {
		return "/", ""
	}
	i := strings.LastIndexByte(path, '/')
	if i == 0 {
		return "/", path[1:]
	}
	return path[:i], path[i+1:]
}

// ResolvePath walks the path from the root directory one component at
// a time and returns the inode it names. The walk fails at the first
// missing component.
func (m *Manager) ResolvePath(path string) (common.Inum, error) {
	path = NormalizePath(path)
	cur := common.RootInum
	if path == "/" {
		return cur, nil
	}
	parts := strings.Split(path[1:], "/")
	for i, part := range parts {
		d, err := m.loadDir(cur)
		if err != nil {
			return 0, err
		}
		e, ok := d.FindEntry(part)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if i < len(parts)-1 && e.Type != common.TypeDir {
			return 0, fmt.Errorf("%w: %s", ErrNotDir, part)
		}
		cur = e.Inum
	}
	return cur, nil
}
