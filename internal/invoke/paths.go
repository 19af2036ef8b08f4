package invoke

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sensitivePatterns are path fragments that are never readable or writable
// through the sandbox, no matter which roots are allowed. Matched against
// the expanded path before canonicalization and against the canonical path,
// so neither a literal nor a resolved route reaches them.
var sensitivePatterns = []string{
	".ssh",
	".aws",
	".gnupg",
	".kube",
	".env",
	".netrc",
	"id_rsa",
	"id_ed25519",
	"/etc/shadow",
	"/etc/sudoers",
	"/etc/passwd",
}

// PathPolicy validates invoke target paths: sensitive-pattern denylist
// first, then canonical containment in one of the allowed roots.
type PathPolicy struct {
	roots []string // canonicalized at construction
}

// NewPathPolicy canonicalizes the allowed roots. Roots that do not exist
// are rejected: a policy anchored on a missing directory would silently
// allow nothing or, worse, whatever later appears at that path.
func NewPathPolicy(allowedRoots []string) (*PathPolicy, error) {
	if len(allowedRoots) == 0 {
		return nil, fmt.Errorf("path policy requires at least one allowed root")
	}

	roots := make([]string, 0, len(allowedRoots))
	for _, r := range allowedRoots {
		expanded, err := ExpandHome(r)
		if err != nil {
			return nil, err
		}
		canonical, err := filepath.EvalSymlinks(expanded)
		if err != nil {
			return nil, fmt.Errorf("allowed root %s: %w", r, err)
		}
		roots = append(roots, canonical)
	}
	return &PathPolicy{roots: roots}, nil
}

// Roots returns the canonical allowed roots.
func (p *PathPolicy) Roots() []string {
	out := make([]string, len(p.roots))
	copy(out, p.roots)
	return out
}

// ExpandHome expands a leading ~ or ~/ to the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// CheckRead validates a path for reading or listing. Returns the canonical
// path on success.
func (p *PathPolicy) CheckRead(path string) (string, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	if err := checkSensitive(expanded); err != nil {
		return "", err
	}

	canonical, err := filepath.EvalSymlinks(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := checkSensitive(canonical); err != nil {
		return "", err
	}
	if !p.contains(canonical) {
		return "", fmt.Errorf("path %s is outside the allowed directories", path)
	}
	return canonical, nil
}

// CheckWrite validates a path for writing. The file itself need not exist:
// containment is checked on the canonical parent directory. Writing through
// a symlink target is refused, since a pre-planted link would otherwise
// redirect the write outside the allowed root.
func (p *PathPolicy) CheckWrite(path string) (string, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	if err := checkSensitive(expanded); err != nil {
		return "", err
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(expanded))
	if err != nil {
		return "", fmt.Errorf("resolve parent of %s: %w", path, err)
	}
	target := filepath.Join(parent, filepath.Base(expanded))

	if err := checkSensitive(target); err != nil {
		return "", err
	}
	if !p.contains(target) {
		return "", fmt.Errorf("path %s is outside the allowed directories", path)
	}

	if fi, err := os.Lstat(target); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("refusing to write through symlink %s", path)
	}
	return target, nil
}

// contains reports whether the canonical path is one of the allowed roots
// or a descendant of one.
func (p *PathPolicy) contains(canonical string) bool {
	for _, root := range p.roots {
		if canonical == root {
			return true
		}
		if strings.HasPrefix(canonical, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// checkSensitive rejects paths touching any denylisted fragment.
func checkSensitive(path string) error {
	norm := filepath.ToSlash(path)
	for _, pattern := range sensitivePatterns {
		if strings.HasPrefix(pattern, "/") {
			if norm == pattern || strings.HasPrefix(norm, pattern+"/") {
				return fmt.Errorf("path %s matches sensitive pattern %s", path, pattern)
			}
			continue
		}
		for _, seg := range strings.Split(norm, "/") {
			// Suffixed variants (.env.production, id_rsa.pub) are as
			// sensitive as the base name.
			if seg == pattern || strings.HasPrefix(seg, pattern+".") {
				return fmt.Errorf("path %s matches sensitive pattern %s", path, pattern)
			}
		}
	}
	return nil
}
