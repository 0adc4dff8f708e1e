package envmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout derives every on-disk location from the scripts root:
//
//	<root>/<script files>
//	<root>/requirements_<task>.txt
//	<root>/venv_<task>/
type Layout struct {
	Root string
	GOOS string
}

// EnvDir returns the environment root for a task.
func (l Layout) EnvDir(id TaskID) string {
	return filepath.Join(l.Root, "venv_"+string(id))
}

// ManifestPath returns the requirements file for a task.
func (l Layout) ManifestPath(id TaskID) string {
	return filepath.Join(l.Root, "requirements_"+string(id)+".txt")
}

// Executables returns the interpreter and installer paths inside envDir
// following the platform convention.
func (l Layout) Executables(envDir string) (python, pip string) {
	if l.GOOS == "windows" {
		return filepath.Join(envDir, "Scripts", "python.exe"), filepath.Join(envDir, "Scripts", "pip.exe")
	}
	return filepath.Join(envDir, "bin", "python"), filepath.Join(envDir, "bin", "pip")
}

// ResolveScript turns a locator into an absolute script path. Relative
// locators are joined to the root and must stay inside it.
func (l Layout) ResolveScript(locator string) (string, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return "", fmt.Errorf("empty script locator: %w", ErrScriptNotFound)
	}

	var path string
	if filepath.IsAbs(locator) {
		path = filepath.Clean(locator)
	} else {
		path = filepath.Clean(filepath.Join(l.Root, locator))
		rel, err := filepath.Rel(l.Root, path)
		if err != nil {
			return "", fmt.Errorf("resolving script %q: %w", locator, err)
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("script %q: %w", locator, ErrOutsideRoot)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("script %q: %w", path, ErrScriptNotFound)
		}
		return "", fmt.Errorf("script %q: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("script %q is a directory: %w", path, ErrScriptNotFound)
	}
	return path, nil
}

// TaskForScript derives the default task identifier from a script's base
// name without extension.
func TaskForScript(script string) (TaskID, error) {
	base := filepath.Base(script)
	return ParseTaskID(strings.TrimSuffix(base, filepath.Ext(base)))
}
