// Package executil resolves external executables against a sanitized
// PATH so the agent binary the host launches is the one it expects.
package executil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var defaultSafeDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
	"/opt/homebrew/bin",
}

// Command builds an exec.Cmd for name with a sanitized PATH and the
// executable resolved to an absolute path.
func Command(name string, args ...string) (*exec.Cmd, error) {
	dirs := safePathDirs()
	path, err := findExecutable(name, dirs)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, args...)
	cmd.Env = replaceEnv(os.Environ(), "PATH", strings.Join(dirs, string(os.PathListSeparator)))
	return cmd, nil
}

// safePathDirs returns the default safe directories plus any absolute,
// non-world-writable directories already on PATH, deduplicated.
func safePathDirs() []string {
	seen := make(map[string]struct{})
	var dirs []string

	add := func(dir string) {
		dir = filepath.Clean(dir)
		if !filepath.IsAbs(dir) {
			return
		}
		if _, ok := seen[dir]; ok {
			return
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() || info.Mode().Perm()&0o022 != 0 {
			return
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}

	for _, dir := range defaultSafeDirs {
		add(dir)
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		add(dir)
	}
	if len(dirs) == 0 {
		dirs = append(dirs, defaultSafeDirs...)
	}
	return dirs
}

func findExecutable(name string, dirs []string) (string, error) {
	if filepath.IsAbs(name) {
		if isExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("executable not found: %s", name)
	}

	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable not found in safe PATH: %s", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

func replaceEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			continue
		}
		out = append(out, entry)
	}
	return append(out, prefix+value)
}
