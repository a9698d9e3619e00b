package domain

import (
	"regexp"
	"strings"
)

// ScopePath is a dot-separated label sequence ("root.acme.eng") in ltree form.
// The empty path is the global scope.
type ScopePath string

// RootScope is the parent of every top-level organization.
const RootScope ScopePath = "root"

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,255}$`)

// ParseScopePath validates every label of raw.
func ParseScopePath(raw string) (ScopePath, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	for _, label := range strings.Split(raw, ".") {
		if !labelPattern.MatchString(label) {
			return "", NewValidationError("invalid scope label %q in %q", label, raw)
		}
	}
	return ScopePath(raw), nil
}

// Label converts a slug into a valid path label.
func Label(slug string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(slug)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (p ScopePath) String() string { return string(p) }

// IsGlobal reports whether p is the unrestricted scope.
func (p ScopePath) IsGlobal() bool { return p == "" }

// Labels returns the path segments.
func (p ScopePath) Labels() []string {
	if p.IsGlobal() {
		return nil
	}
	return strings.Split(string(p), ".")
}

// Depth returns the number of labels; the global scope has depth 0.
func (p ScopePath) Depth() int {
	return len(p.Labels())
}

// Child appends a label.
func (p ScopePath) Child(label string) ScopePath {
	if p.IsGlobal() {
		return ScopePath(label)
	}
	return ScopePath(string(p) + "." + label)
}

// Parent drops the last label.
func (p ScopePath) Parent() ScopePath {
	idx := strings.LastIndex(string(p), ".")
	if idx < 0 {
		return ""
	}
	return p[:idx]
}

// Contains reports whether p is an ancestor of, or equal to, other (ltree @>).
// The global scope contains everything.
func (p ScopePath) Contains(other ScopePath) bool {
	if p.IsGlobal() {
		return true
	}
	if p == other {
		return true
	}
	return strings.HasPrefix(string(other), string(p)+".")
}

// Within reports whether p is a descendant of, or equal to, ancestor (ltree <@).
func (p ScopePath) Within(ancestor ScopePath) bool {
	return ancestor.Contains(p)
}
