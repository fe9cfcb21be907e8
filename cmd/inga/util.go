package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func ensureParent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	return nil
}

// parseMounts turns host=container pairs into a mount map.
func parseMounts(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	mounts := make(map[string]string, len(pairs))
	for _, p := range pairs {
		host, target, ok := strings.Cut(p, "=")
		if !ok || host == "" || target == "" {
			return nil, fmt.Errorf("invalid mount %q, want host=container", p)
		}
		if !filepath.IsAbs(host) || !strings.HasPrefix(target, "/") {
			return nil, fmt.Errorf("invalid mount %q, both paths must be absolute", p)
		}
		mounts[filepath.Clean(host)] = target
	}
	return mounts, nil
}
