package filesystem

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// search walks the tree under root collecting entries whose name contains the
// pattern case-insensitively. Subdirectories are walked concurrently, bounded
// by a semaphore.
func (s *Server) search(root, pattern string, excludePatterns []string) ([]string, error) {
	compiled := make([]glob.Glob, 0, len(excludePatterns))
	for _, p := range excludePatterns {
		if !strings.Contains(p, "*") {
			p = "**/" + p + "/**"
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, g)
	}

	needle := strings.ToLower(pattern)

	var (
		mu      sync.Mutex
		results []string
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, 50)

	var walk func(dir string)
	walk = func(dir string) {
		defer wg.Done()

		valid, err := s.resolve(dir)
		if err != nil {
			return
		}
		entries, err := os.ReadDir(valid)
		if err != nil {
			return
		}

		for _, entry := range entries {
			fullPath := filepath.Join(dir, entry.Name())
			if _, err := s.resolve(fullPath); err != nil {
				continue
			}

			rel, err := filepath.Rel(root, fullPath)
			if err != nil {
				continue
			}

			excluded := false
			for _, g := range compiled {
				if g.Match(rel) {
					excluded = true
					break
				}
			}
			if excluded {
				continue
			}

			if strings.Contains(strings.ToLower(entry.Name()), needle) {
				mu.Lock()
				results = append(results, fullPath)
				mu.Unlock()
			}

			if entry.IsDir() {
				wg.Add(1)
				go func(path string) {
					sem <- struct{}{}
					walk(path)
					<-sem
				}(fullPath)
			}
		}
	}

	wg.Add(1)
	walk(root)
	wg.Wait()

	sort.Strings(results)
	return results, nil
}
