// Package ignore matches paths under a data root against exclusion
// patterns in gitignore syntax. Excluded entries are neither archived nor
// recorded, and a wholesale restore of their stack directory removes them.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName is the per-root pattern file. It is archived like any other file.
const FileName = ".rewindignore"

// Matcher checks root-relative paths against gitignore patterns: a pattern
// without '/' matches at any depth, a leading or inner '/' anchors it to the
// root, a trailing '/' matches directories only, '**' spans directories and
// '!' re-includes. A matched directory excludes its subtree.
type Matcher struct {
	gi    *gitignore.GitIgnore
	count int
}

// New creates a Matcher. Blank lines and lines starting with '#' are skipped.
func New(raw []string) *Matcher {
	var lines []string
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" || strings.HasPrefix(r, "#") {
			continue
		}
		lines = append(lines, r)
	}
	if len(lines) == 0 {
		return &Matcher{}
	}
	return &Matcher{gi: gitignore.CompileIgnoreLines(lines...), count: len(lines)}
}

// ForRoot combines patterns with those in the root's FileName.
func ForRoot(root string, patterns []string) (*Matcher, error) {
	local, err := ParseFile(filepath.Join(root, FileName))
	if err != nil {
		return nil, err
	}
	all := make([]string, 0, len(patterns)+len(local))
	all = append(all, patterns...)
	all = append(all, local...)
	return New(all), nil
}

// Empty reports whether the matcher has no patterns.
func (m *Matcher) Empty() bool {
	return m == nil || m.count == 0
}

// Match reports whether rel, relative to the root, is excluded. The pattern
// file itself is always kept.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m.Empty() || rel == "" || rel == "." || rel == FileName {
		return false
	}
	p := filepath.ToSlash(rel)
	if isDir {
		p += "/"
	}
	return m.gi.MatchesPath(p)
}

// ParseFile reads raw pattern lines from path. A missing file yields no
// patterns and no error.
func ParseFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
