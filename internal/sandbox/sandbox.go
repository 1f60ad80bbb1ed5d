// Package sandbox confines caller-supplied paths to an allow-list of roots.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrRootNotAllowed = errors.New("root not allowed")
	ErrPathEscapes    = errors.New("path escapes root")
)

type Sandbox struct {
	allowed []string
}

// New builds a sandbox whose allow-list is the given roots plus defaultRoot.
// Empty entries are ignored.
func New(defaultRoot string, allowed ...string) *Sandbox {
	s := &Sandbox{}
	seen := map[string]bool{}
	for _, root := range append(append([]string{}, allowed...), defaultRoot) {
		if strings.TrimSpace(root) == "" {
			continue
		}
		resolved, err := Resolve(root)
		if err != nil || seen[resolved] {
			continue
		}
		seen[resolved] = true
		s.allowed = append(s.allowed, resolved)
	}
	return s
}

// Allowed returns the normalized allow-list.
func (s *Sandbox) Allowed() []string {
	return append([]string(nil), s.allowed...)
}

// ResolveRoot normalizes candidate and accepts it only if it is an allowed
// root or lies beneath one.
func (s *Sandbox) ResolveRoot(candidate string) (string, error) {
	if strings.TrimSpace(candidate) == "" {
		return "", fmt.Errorf("%w: empty root", ErrRootNotAllowed)
	}
	resolved, err := Resolve(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrRootNotAllowed, candidate, err)
	}
	for _, root := range s.allowed {
		if Within(root, resolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrRootNotAllowed, resolved)
}

// ResolveInRoot resolves p against root (relative paths are joined, absolute
// ones kept) and rejects anything that ends up outside root.
func (s *Sandbox) ResolveInRoot(root, p string) (string, error) {
	base, err := Resolve(root)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrPathEscapes, p, err)
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	resolved, err := Resolve(target)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrPathEscapes, p, err)
	}
	if !Within(base, resolved) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrPathEscapes, p, base)
	}
	return resolved, nil
}

// Within reports whether p equals root or is a separator-bounded descendant.
// Both arguments must already be normalized.
func Within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// Resolve makes p absolute and resolves symlinks in its deepest existing
// ancestor. Components that do not exist yet are appended unchanged.
func Resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}
