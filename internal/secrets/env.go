package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvResolver resolves "env(NAME)" from the process environment.
type EnvResolver struct{}

// NewEnvResolver creates an environment variable secret resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

// Scheme returns "env".
func (*EnvResolver) Scheme() string { return "env" }

// Resolve looks up an env() reference and returns the value.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	name, arg, ok := scheme(ref)
	if !ok || name != "env" || arg == "" {
		return "", fmt.Errorf("unsupported secret reference format: %q (expected env(NAME))", ref)
	}
	value, ok := os.LookupEnv(strings.TrimSpace(arg))
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", arg)
	}
	return value, nil
}
