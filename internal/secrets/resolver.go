// Package secrets resolves the credential references allowed in the
// configuration file and keeps their values out of the logs.
//
// A reference is a whole field value of the form "env(NAME)" or
// "file(PATH)". Any other value is used as is.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// scheme splits "name(arg)" into its parts.
func scheme(ref string) (name, arg string, ok bool) {
	open := strings.IndexByte(ref, '(')
	if open <= 0 || !strings.HasSuffix(ref, ")") {
		return "", "", false
	}
	return ref[:open], ref[open+1 : len(ref)-1], true
}

// IsReference reports whether s uses a known reference scheme.
func IsReference(s string) bool {
	name, _, ok := scheme(s)
	return ok && (name == "env" || name == "file")
}

// Default resolves env and file references.
func Default() Resolver {
	return Chain{NewEnvResolver(), NewFileResolver()}
}

// Chain tries each resolver whose scheme matches the reference.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, ref string) (string, error) {
	name, _, ok := scheme(ref)
	if !ok {
		return "", fmt.Errorf("malformed secret reference %q", ref)
	}
	for _, r := range c {
		if s, ok := r.(interface{ Scheme() string }); ok && s.Scheme() != name {
			continue
		}
		return r.Resolve(ctx, ref)
	}
	return "", fmt.Errorf("no resolver for secret reference %q", ref)
}

// Expand replaces every field holding a reference with its value and
// returns the resolved values, so the caller can redact them. Plain
// values are left alone.
func Expand(ctx context.Context, r Resolver, fields ...*string) ([]string, error) {
	var resolved []string
	for _, f := range fields {
		if f == nil || !IsReference(*f) {
			continue
		}
		v, err := r.Resolve(ctx, *f)
		if err != nil {
			return nil, err
		}
		*f = v
		resolved = append(resolved, v)
	}
	return resolved, nil
}
