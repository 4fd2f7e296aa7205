package files

import (
	"os"
	"path/filepath"
)

// FindUp looks for name (which may contain slashes) in dir and each of its parents,
// returning the first existing path, or "" if there is none.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		candidate := filepath.Join(curDir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
