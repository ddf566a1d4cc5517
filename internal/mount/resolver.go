package mount

import "strings"

// Resolver maps a requested stream path to an upstream source locator.
// Implementations must be safe for concurrent use and side-effect-free.
type Resolver interface {
	Resolve(path string) (locator string, ok bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(path string) (string, bool)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(path string) (string, bool) {
	return f(path)
}

// TemplateResolver substitutes the requested path into a locator template.
// Every occurrence of "{path}" in Template is replaced by the path with its
// leading slash trimmed, so any requested path resolves on demand.
type TemplateResolver struct {
	Template string
}

// Resolve implements Resolver.
func (t *TemplateResolver) Resolve(path string) (string, bool) {
	if t.Template == "" {
		return "", false
	}
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", false
	}
	return strings.ReplaceAll(t.Template, "{path}", trimmed), true
}
