package files

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultMarkers are the files that mark the root of a project.
var DefaultMarkers = []string{"tsconfig.json", "package.json", ".git"}

// ProjectRoot returns the closest directory at or above dir that contains one of markers.
// Markers are tried in order, so an inner tsconfig.json wins over an outer .git.
// If none is found, dir itself is the root.
func ProjectRoot(dir string, markers ...string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	for _, m := range markers {
		if found := FindUp(m, abs); found != "" {
			return filepath.Dir(found), nil
		}
	}
	return abs, nil
}

// SocketPath returns the rendezvous socket for a project root. The same root always maps to
// the same path, so every client started anywhere in the project finds the same proxy.
func SocketPath(root string) string {
	sum := sha256.Sum256([]byte(root))
	return filepath.Join(os.TempDir(), "procmux-"+hex.EncodeToString(sum[:])[:16]+".sock")
}

// ProjectSocket combines ProjectRoot and SocketPath.
func ProjectSocket(dir string, markers ...string) (string, error) {
	root, err := ProjectRoot(dir, markers...)
	if err != nil {
		return "", err
	}
	return SocketPath(root), nil
}
