package hub

import (
	"path"
	"path/filepath"
	"strings"
)

// DefaultExcludes are the glob patterns pruned from every backup walk:
// bytecode caches, previously created archives, rotated logs and database
// shared-memory sidecar files.
var DefaultExcludes = []string{
	"__pycache__/*",
	"*.db-shm",
	"*.log.*",
	"*.log",
	"backups/*.tar",
	"OZW_Log.txt",
}

// DatabaseExcludes are added when the recorder database is left out of a
// backup.
var DatabaseExcludes = []string{
	"home-assistant_v2.db",
	"home-assistant_v2.db-wal",
}

// ExcludeMatcher checks walk entries against a set of glob patterns.
// Patterns without '/' match against the entry's base name; patterns with
// '/' match against any trailing window of the relative path, so
// "backups/*.tar" excludes backups/old.tar wherever the backups directory
// sits. A pattern of the form "name/*" additionally prunes directories named
// "name" entirely; excluded subtrees are never walked.
type ExcludeMatcher struct {
	patterns []string
}

// NewExcludeMatcher creates an ExcludeMatcher from raw pattern strings.
// Blank patterns are skipped.
func NewExcludeMatcher(patterns []string) *ExcludeMatcher {
	m := &ExcludeMatcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m.patterns = append(m.patterns, filepath.ToSlash(p))
	}
	return m
}

// Match reports whether the entry at relPath (relative to the walk root)
// should be excluded. isDir selects directory-pruning behavior for whole-tree
// patterns.
func (m *ExcludeMatcher) Match(relPath string, isDir bool) bool {
	rel := filepath.ToSlash(relPath)
	parts := strings.Split(rel, "/")
	base := parts[len(parts)-1]

	for _, p := range m.patterns {
		if !strings.Contains(p, "/") {
			if ok, _ := path.Match(p, base); ok {
				return true
			}
			continue
		}
		// Match the pattern against every suffix window of the path.
		for i := range parts {
			if ok, _ := path.Match(p, strings.Join(parts[i:], "/")); ok {
				return true
			}
		}
		// "name/*" prunes a directory named "name" before descending.
		if isDir {
			if prefix, rest, found := strings.Cut(p, "/"); found && rest == "*" {
				if ok, _ := path.Match(prefix, base); ok {
					return true
				}
			}
		}
	}
	return false
}
