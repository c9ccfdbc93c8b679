package analyzer

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultSkipDirs are never descended into.
var DefaultSkipDirs = []string{
	".git", ".hg", ".svn", ".idea", ".vscode",
	"node_modules", "vendor", "__pycache__", ".venv", "venv", "env",
	"dist", "build", ".tox", ".mypy_cache", ".pytest_cache",
}

// Walker lists the source files of a project.
type Walker struct {
	root     string
	skipDirs map[string]bool
	ignore   *ignore.GitIgnore
	supports func(string) bool
	maxSize  int64
}

// NewWalker prepares a walk of root. Patterns from root/.gitignore are
// honored when the file exists. supports filters files by name.
func NewWalker(root string, skipDirs []string, maxSize int64, supports func(string) bool) (*Walker, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	w := &Walker{
		root:     root,
		skipDirs: make(map[string]bool),
		supports: supports,
		maxSize:  maxSize,
	}
	for _, d := range skipDirs {
		w.skipDirs[d] = true
	}

	gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	w.ignore = gi
	return w, nil
}

// Ignored reports whether the slash-separated relative path is excluded.
func (w *Walker) Ignored(rel string, isDir bool) bool {
	for _, part := range strings.Split(rel, "/") {
		if w.skipDirs[part] {
			return true
		}
	}
	if w.ignore == nil {
		return false
	}
	if isDir {
		return w.ignore.MatchesPath(rel + "/")
	}
	return w.ignore.MatchesPath(rel)
}

// Accept reports whether a file should be parsed.
func (w *Walker) Accept(rel string) bool {
	if w.Ignored(rel, false) {
		return false
	}
	return w.supports == nil || w.supports(rel)
}

// Files returns the relative, slash-separated paths of all accepted files,
// sorted.
func (w *Walker) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := w.Rel(p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if w.Ignored(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !w.Accept(rel) {
			return nil
		}
		if w.maxSize > 0 {
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Size() > w.maxSize {
				return nil
			}
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Rel converts an absolute or root-relative path into the slash-separated
// form used as graph scope.
func (w *Walker) Rel(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.root, p)
	}
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Root returns the absolute project root.
func (w *Walker) Root() string { return w.root }
