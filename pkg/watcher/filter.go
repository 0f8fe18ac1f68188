package watcher

import (
	"path/filepath"
	"strings"
)

// alwaysExcludedDirs are dropped unconditionally before any buffer: VCS
// internals, dependency and build output trees.
var alwaysExcludedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
}

// pathFilter decides which relative paths reach a project's buffer.
type pathFilter struct {
	include []string
	exclude []string
}

func newPathFilter(include, exclude []string) *pathFilter {
	return &pathFilter{include: include, exclude: exclude}
}

// excluded reports whether a file at rel is dropped before buffering. Hidden
// files and the always-excluded directory names are dropped regardless of
// configured globs; include globs, when present, then act as an allow-list.
func (f *pathFilter) excluded(rel string) bool {
	if f.dirExcluded(rel) {
		return true
	}

	if len(f.include) > 0 {
		base := filepath.Base(rel)
		for _, pattern := range f.include {
			if matched, err := filepath.Match(pattern, rel); err == nil && matched {
				return false
			}
			if matched, err := filepath.Match(pattern, base); err == nil && matched {
				return false
			}
		}
		return true
	}

	return false
}

// dirExcluded is the exclusion check without the include allow-list, used for
// directories so that recursive watches still descend into trees whose files
// the include globs will select later.
func (f *pathFilter) dirExcluded(rel string) bool {
	for _, segment := range strings.Split(filepath.ToSlash(rel), "/") {
		if segment == "" || segment == "." {
			continue
		}
		if strings.HasPrefix(segment, ".") || alwaysExcludedDirs[segment] {
			return true
		}
	}

	base := filepath.Base(rel)
	for _, pattern := range f.exclude {
		if matched, err := filepath.Match(pattern, rel); err == nil && matched {
			return true
		}
		if matched, err := filepath.Match(pattern, base); err == nil && matched {
			return true
		}
	}

	return false
}

// isTextExtension reports whether path's extension is on the content
// allow-list.
func isTextExtension(path string, allowList []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, allowed := range allowList {
		if ext == allowed {
			return true
		}
	}
	return false
}
