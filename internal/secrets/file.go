package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// FileResolver resolves "file(PATH)" to the file's content without its
// trailing newline, the layout of mounted Kubernetes secrets.
type FileResolver struct{}

// NewFileResolver creates a file secret resolver.
func NewFileResolver() *FileResolver {
	return &FileResolver{}
}

// Scheme returns "file".
func (*FileResolver) Scheme() string { return "file" }

// Resolve reads the referenced file.
func (r *FileResolver) Resolve(_ context.Context, ref string) (string, error) {
	name, path, ok := scheme(ref)
	if !ok || name != "file" || path == "" {
		return "", fmt.Errorf("unsupported secret reference format: %q (expected file(PATH))", ref)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
