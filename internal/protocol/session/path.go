package session

import "strings"

// NormalizePath trims surrounding slashes and drops empty segments so
// "/a//b/" and "a/b" name the same branch.
func NormalizePath(path string) string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// BranchCovers reports whether branch applies to path. The empty branch
// covers every path.
func BranchCovers(branch, path string) bool {
	branch = NormalizePath(branch)
	path = NormalizePath(path)
	if branch == "" {
		return true
	}
	return path == branch || strings.HasPrefix(path, branch+"/")
}

// BranchDepth is the number of segments in a normalized branch.
func BranchDepth(branch string) int {
	if branch == "" {
		return 0
	}
	return strings.Count(branch, "/") + 1
}
