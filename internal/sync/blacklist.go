package sync

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/Sheol27/rmote/internal/utils"
)

// IgnoreFileName is an optional gitignore-style rule file in the local
// root, merged into the blacklist at startup.
const IgnoreFileName = ".rmoteignore"

// Blacklist decides which paths are excluded from the mirror. A path is
// excluded when any rule matches a path component exactly, is a prefix of
// the root-relative path, or glob-matches it. A matching directory is
// pruned whole; no descendant is visited, uploaded or watched.
//
// The rule set is immutable after startup.
type Blacklist struct {
	root     string
	names    map[string]struct{}
	prefixes []string
	globs    []string
	ignore   *gitignore.GitIgnore
}

func NewBlacklist(root string, rules []string) (*Blacklist, error) {
	b := &Blacklist{
		root:  root,
		names: make(map[string]struct{}),
	}

	for _, rule := range rules {
		rule = strings.Trim(utils.NormPath(strings.TrimSpace(rule)), "/")
		if rule == "" {
			continue
		}

		if strings.ContainsAny(rule, "*?[{") {
			if !doublestar.ValidatePattern(rule) {
				return nil, fmt.Errorf("invalid blacklist pattern %q", rule)
			}
			b.globs = append(b.globs, rule)
			continue
		}

		b.prefixes = append(b.prefixes, rule)
		b.names[path.Base(rule)] = struct{}{}
	}

	return b, nil
}

// LoadIgnoreFile merges rules from .rmoteignore in the local root when the
// file exists.
func (b *Blacklist) LoadIgnoreFile() {
	ignorePath := filepath.Join(b.root, IgnoreFileName)
	if !utils.FileExists(ignorePath) {
		return
	}

	file, err := os.Open(ignorePath)
	if err != nil {
		slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
		return
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("error reading ignore file", "path", ignorePath, "error", err)
		return
	}

	b.ignore = gitignore.CompileIgnoreLines(lines...)
	slog.Info("loaded ignore file", "path", ignorePath, "rules", len(lines))
}

// Match reports whether the path (absolute or root-relative) is
// blacklisted. Matching is evaluated against the path relative to the
// watched root.
func (b *Blacklist) Match(p string) bool {
	rel, ok := b.rel(p)
	if !ok || rel == "" || rel == "." {
		return false
	}

	// Exact component match anywhere on the path excludes the whole
	// subtree below the matching component.
	var ancestor string
	for _, comp := range strings.Split(rel, "/") {
		if _, hit := b.names[comp]; hit {
			return true
		}
		ancestor = path.Join(ancestor, comp)
		for _, g := range b.globs {
			if matched, _ := doublestar.Match(g, ancestor); matched {
				return true
			}
		}
	}

	for _, prefix := range b.prefixes {
		if strings.HasPrefix(rel, prefix) {
			return true
		}
	}

	if b.ignore != nil && b.ignore.MatchesPath(rel) {
		return true
	}

	return false
}

func (b *Blacklist) rel(p string) (string, bool) {
	if !filepath.IsAbs(p) {
		return utils.NormPath(p), true
	}
	rel, err := filepath.Rel(b.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		// Outside the watched root; not ours to exclude.
		return "", false
	}
	return utils.NormPath(rel), true
}
