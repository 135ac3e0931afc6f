package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolve maps a requested path to a real path and verifies it stays inside the
// allowed roots. Symlinks are followed before the containment check so a link
// cannot escape; for paths that do not exist yet, the parent directory must
// exist and be contained instead.
func (s *Server) resolve(requested string) (string, error) {
	expanded := os.ExpandEnv(filepath.FromSlash(requested))

	absolute, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	absolute = filepath.Clean(absolute)

	if !s.contained(absolute) {
		return "", fmt.Errorf("access denied - path %s outside allowed directories %s",
			requested, strings.Join(s.roots, ", "))
	}

	real, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}

		// New files: the parent must exist and be contained.
		parent := filepath.Dir(absolute)
		realParent, err := filepath.EvalSymlinks(parent)
		if err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("access denied - parent directory %s does not exist", parent)
			}
			return "", err
		}
		if !s.contained(filepath.Clean(realParent)) {
			return "", fmt.Errorf("access denied - parent directory %s outside allowed directories %s",
				parent, strings.Join(s.roots, ", "))
		}
		return absolute, nil
	}

	if !s.contained(filepath.Clean(real)) {
		return "", fmt.Errorf("access denied - real path %s outside allowed directories %s",
			real, strings.Join(s.roots, ", "))
	}
	return real, nil
}

func (s *Server) contained(path string) bool {
	for _, root := range s.roots {
		if isSubpath(path, root) {
			return true
		}
	}
	return false
}

func isSubpath(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type treeEntry struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Children []treeEntry `json:"children,omitempty"`
}

func (s *Server) buildTree(path string) ([]treeEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	result := make([]treeEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}

		te := treeEntry{Name: entry.Name(), Type: "file"}
		if entry.IsDir() {
			te.Type = "directory"
			subPath := filepath.Join(path, entry.Name())
			if _, err := s.resolve(subPath); err != nil {
				continue
			}
			children, err := s.buildTree(subPath)
			if err != nil {
				return nil, err
			}
			te.Children = children
			if te.Children == nil {
				te.Children = []treeEntry{}
			}
		}
		result = append(result, te)
	}
	return result, nil
}
