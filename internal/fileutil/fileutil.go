// Package fileutil provides the filesystem safety helpers used anywhere a
// caller-supplied name becomes part of a path: resolving a relative path
// against a whitelist of roots, and validating a single path segment (a
// username, a package name) before it is joined into one.
package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrForbiddenPath is returned when a relative path escapes the base or
// references a non-whitelisted root.
var ErrForbiddenPath = errors.New("forbidden path")

// SafeSegment validates that name is usable as a single path segment: no
// empty string, no path separator, no "..", no leading dot. Callers that
// filepath.Join a caller-supplied name (a username, a package name) into a
// directory or file path should check this first to reject traversal via a
// crafted name.
func SafeSegment(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrForbiddenPath
	}
	if strings.HasPrefix(name, ".") {
		return ErrForbiddenPath
	}
	if strings.ContainsAny(name, `/\`) {
		return ErrForbiddenPath
	}
	if filepath.Base(name) != name {
		return ErrForbiddenPath
	}
	return nil
}

// ResolveSafePath resolves rel (a slash-separated relative path) against base
// and returns the absolute path. It rejects:
//   - empty rel
//   - paths whose first segment is not in allowedRoots
//   - paths that escape base via ".." traversal or symlink
//
// rel must not have a leading slash.
func ResolveSafePath(base, rel string, allowedRoots []string) (string, error) {
	if rel == "" {
		return "", ErrForbiddenPath
	}
	if strings.HasPrefix(rel, "/") {
		return "", ErrForbiddenPath
	}

	// Check first path segment against whitelist.
	firstSeg := strings.SplitN(rel, "/", 2)[0]
	allowed := false
	for _, r := range allowedRoots {
		if firstSeg == r {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", ErrForbiddenPath
	}

	// Build candidate absolute path using filepath.Join, which cleans ".." etc.
	abs := filepath.Join(base, filepath.FromSlash(rel))

	// Ensure the result still sits inside base.
	cleanBase := filepath.Clean(base)
	if !strings.HasPrefix(abs, cleanBase+string(os.PathSeparator)) && abs != cleanBase {
		return "", ErrForbiddenPath
	}

	// Resolve symlinks to defeat symlink-escape attacks.
	// If abs does not yet exist, walk up until we find an existing ancestor.
	resolved, err := resolveExisting(abs, cleanBase)
	if err != nil {
		return "", ErrForbiddenPath
	}
	if !strings.HasPrefix(resolved, cleanBase+string(os.PathSeparator)) && resolved != cleanBase {
		return "", ErrForbiddenPath
	}

	return abs, nil
}

// resolveExisting walks up the path until it finds an existing ancestor, then
// evaluates symlinks on that ancestor. Returns the real path of the deepest
// existing component.
func resolveExisting(abs, base string) (string, error) {
	cur := abs
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			// Path exists — resolve symlinks.
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			return resolved, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur || !strings.HasPrefix(parent, base) {
			// Reached fs root or left base — just return base as safe anchor.
			return base, nil
		}
		cur = parent
	}
}
