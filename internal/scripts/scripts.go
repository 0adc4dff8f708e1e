// Package scripts persists generated scripts under the scripts root.
package scripts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidName = errors.New("invalid script name")
	ErrNotFound    = errors.New("script not found")
)

// Script describes a saved script file.
type Script struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Store reads and writes scripts in a single directory.
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving scripts dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating scripts dir: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the absolute directory scripts are stored in.
func (s *Store) Root() string { return s.root }

// Path validates name and returns its absolute location. Names must be a
// single path segment.
func (s *Store) Path(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return filepath.Join(s.root, name), nil
}

// Save writes content to name, replacing any previous script, and returns
// the absolute path.
func (s *Store) Save(name, content string) (string, error) {
	path, err := s.Path(name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("saving script %q: %w", name, err)
	}
	return path, nil
}

// Read returns the content of a saved script.
func (s *Store) Read(name string) (string, error) {
	path, err := s.Path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("reading script %q: %w", name, err)
	}
	return string(data), nil
}

// List returns saved scripts sorted by name. Requirements files and
// environment directories are skipped.
func (s *Store) List() ([]Script, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing scripts: %w", err)
	}

	var out []Script
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") ||
			(strings.HasPrefix(name, "requirements_") && strings.HasSuffix(name, ".txt")) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Script{
			Name:     name,
			Path:     filepath.Join(s.root, name),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
