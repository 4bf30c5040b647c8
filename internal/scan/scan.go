// Package scan walks a project root collecting the Python files that
// participate in change detection.
package scan

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Directories never descended into, regardless of configured rules.
var skipDirs = map[string]bool{
	"__pycache__":  true,
	"node_modules": true,
	".git":         true,
	".venv":        true,
	"venv":         true,
}

// Scanner walks a project root applying include/exclude glob rules.
// Patterns use doublestar syntax and match root-relative slash paths.
type Scanner struct {
	root    string
	include []string
	exclude []string
}

// New creates a scanner over root. Empty include means every .py file.
func New(root string, include, exclude []string) *Scanner {
	return &Scanner{root: root, include: include, exclude: exclude}
}

// Root returns the scanner's project root.
func (s *Scanner) Root() string {
	return s.root
}

// PythonFiles returns root-relative slash paths of all matching .py files.
// scope restricts test files only: source files are always included so that
// a scoped run still tracks every source dependency.
func (s *Scanner) PythonFiles(scope []string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are treated as absent; change detection
			// classifies missing files as deleted.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if path != s.root && (skipDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, ".py") {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if !s.matches(rel) {
			return nil
		}
		if IsTestFile(rel) && !inScope(rel, scope) {
			return nil
		}

		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", s.root, err)
	}

	return files, nil
}

func (s *Scanner) matches(rel string) bool {
	for _, pattern := range s.exclude {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return false
		}
	}
	if len(s.include) == 0 {
		return true
	}
	for _, pattern := range s.include {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// IsTestFile reports whether a root-relative path looks like a test module:
// a test_*/*_test.py filename or any path under a tests/ or test/ directory.
func IsTestFile(rel string) bool {
	base := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		base = rel[i+1:]
	}
	if strings.HasPrefix(base, "test_") || strings.HasSuffix(base, "_test.py") {
		return true
	}
	for _, part := range strings.Split(rel, "/") {
		if part == "tests" || part == "test" {
			return true
		}
	}
	return false
}

// inScope reports whether rel falls under one of the scope prefixes. An
// empty scope admits everything.
func inScope(rel string, scope []string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, prefix := range scope {
		prefix = strings.TrimSuffix(filepath.ToSlash(prefix), "/")
		if prefix == "" || prefix == "." || rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return true
		}
	}
	return false
}

// ScopeSubset reports whether every prefix in current falls under some
// prefix in stored. Used to compare a run's collection scope against the
// scope the store was built with.
func ScopeSubset(current, stored []string) bool {
	for _, c := range current {
		c = strings.TrimSuffix(filepath.ToSlash(c), "/")
		covered := false
		for _, st := range stored {
			st = strings.TrimSuffix(filepath.ToSlash(st), "/")
			if st == "" || st == "." || c == st || strings.HasPrefix(c, st+"/") {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}
