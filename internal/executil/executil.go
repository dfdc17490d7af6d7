// Package executil provides helpers for running external commands with a
// sanitized PATH and a resolved executable.
package executil

import (
	"context"
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

// Command builds an exec.Cmd using a sanitized PATH and a resolved executable.
func Command(name string, args ...string) (*exec.Cmd, error) {
	path, env, err := resolveCommand(name)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, args...)
	cmd.Env = env
	return cmd, nil
}

// CommandContext builds an exec.Cmd with context using a sanitized PATH and a resolved executable.
func CommandContext(ctx context.Context, name string, args ...string) (*exec.Cmd, error) {
	path, env, err := resolveCommand(name)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = env
	return cmd, nil
}

func resolveCommand(name string) (string, []string, error) {
	dirs := safePathDirs()
	path, err := findExecutable(name, dirs)
	if err != nil {
		return "", nil, err
	}
	safePath := strings.Join(dirs, string(os.PathListSeparator))
	return path, replaceEnv(os.Environ(), "PATH", safePath), nil
}

func safePathDirs() []string {
	seen := make(map[string]struct{})
	var dirs []string

	addDir := func(dir string) {
		dir = filepath.Clean(dir)
		if dir == "" || !filepath.IsAbs(dir) {
			return
		}
		if _, ok := seen[dir]; ok {
			return
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return
		}
		// Skip world/group-writable dirs.
		if info.Mode().Perm()&0o022 != 0 {
			return
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}

	for _, dir := range defaultSafeDirs {
		addDir(dir)
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		addDir(dir)
	}
	return dirs
}

func findExecutable(name string, dirs []string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		cleaned := filepath.Clean(name)
		if isExecutable(cleaned) {
			return cleaned, nil
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
