// Package compose finds and rewrites host paths in compose files.
//
// Discovery parses the document so only real bind-mount sources are
// considered. Rewriting is textual so comments, ordering and formatting of
// the captured file survive untouched.
package compose

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type file struct {
	Services map[string]service `yaml:"services"`
}

type service struct {
	Volumes []yaml.Node `yaml:"volumes"`
	EnvFile yaml.Node   `yaml:"env_file"`
}

// BindSources returns the absolute host paths used as bind-mount sources or
// env files, sorted and without duplicates. Named volumes and relative
// paths are ignored.
func BindSources(content string) ([]string, error) {
	var f file
	if err := yaml.Unmarshal([]byte(content), &f); err != nil {
		return nil, fmt.Errorf("parsing compose file: %w", err)
	}

	set := map[string]bool{}
	for _, svc := range f.Services {
		for _, v := range svc.Volumes {
			if src := volumeSource(&v); filepath.IsAbs(src) {
				set[filepath.Clean(src)] = true
			}
		}
		for _, p := range scalars(&svc.EnvFile) {
			if filepath.IsAbs(p) {
				set[filepath.Clean(p)] = true
			}
		}
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// volumeSource handles the short "src:dst[:mode]" and long {source: ...} forms.
func volumeSource(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		src, _, _ := strings.Cut(n.Value, ":")
		return src
	case yaml.MappingNode:
		var long struct {
			Type   string `yaml:"type"`
			Source string `yaml:"source"`
		}
		if err := n.Decode(&long); err != nil {
			return ""
		}
		if long.Type != "" && long.Type != "bind" {
			return ""
		}
		return long.Source
	}
	return ""
}

func scalars(n *yaml.Node) []string {
	switch n.Kind {
	case yaml.ScalarNode:
		return []string{n.Value}
	case yaml.SequenceNode:
		var out []string
		for _, c := range n.Content {
			if c.Kind == yaml.ScalarNode {
				out = append(out, c.Value)
			} else if c.Kind == yaml.MappingNode {
				var entry struct {
					Path string `yaml:"path"`
				}
				if err := c.Decode(&entry); err == nil && entry.Path != "" {
					out = append(out, entry.Path)
				}
			}
		}
		return out
	}
	return nil
}

// RewriteSources replaces every discovered bind source that mapPath changes.
// It returns the new content and the sources that were rewritten. Longer
// sources are substituted first so a prefix never clobbers a longer path.
func RewriteSources(content string, mapPath func(string) (string, bool)) (string, []string, error) {
	sources, err := BindSources(content)
	if err != nil {
		return "", nil, err
	}
	sort.Slice(sources, func(i, j int) bool { return len(sources[i]) > len(sources[j]) })

	var changed []string
	for _, src := range sources {
		dst, ok := mapPath(src)
		if !ok || dst == src {
			continue
		}
		content = replacePath(content, src, dst)
		changed = append(changed, src)
	}
	sort.Strings(changed)
	return content, changed, nil
}

// replacePath substitutes old only where it is a whole path: the next
// character must end the path or start a sub-path or a mount suffix.
func replacePath(content, old, new string) string {
	var b strings.Builder
	for {
		i := strings.Index(content, old)
		if i < 0 {
			b.WriteString(content)
			return b.String()
		}
		end := i + len(old)
		b.WriteString(content[:i])
		if end == len(content) || strings.ContainsRune("/:\"' \t\r\n,]}", rune(content[end])) {
			b.WriteString(new)
		} else {
			b.WriteString(old)
		}
		content = content[end:]
	}
}
