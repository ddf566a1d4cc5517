// Package mount maps requested stream paths to upstream source locators and
// tracks the per-path relay session slot. Path resolution is pluggable:
// a static table, template substitution, or any user-supplied Resolver.
package mount
