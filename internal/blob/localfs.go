package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalFS stores blobs under Root and serves them through the API's /images/
// route, so the public URL is BaseURL + /images/ + key.
type LocalFS struct {
	Root    string
	BaseURL string
}

func (l LocalFS) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	clean := filepath.Clean(key)
	abs := filepath.Join(l.Root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("mkdir blob dir: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", clean, err)
	}
	return fmt.Sprintf("%s/images/%s", strings.TrimRight(l.BaseURL, "/"), filepath.ToSlash(clean)), nil
}

func (l LocalFS) Open(key string) (*os.File, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("invalid blob key %q", key)
	}
	return os.Open(filepath.Join(l.Root, clean))
}

func (l LocalFS) Exists(key string) bool {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") {
		return false
	}
	_, err := os.Stat(filepath.Join(l.Root, clean))
	return err == nil
}
