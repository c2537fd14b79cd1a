package rewind

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Names of the side files stored at the root of every archive.
const (
	MetadataFileName   = "rewind-metadata.json"
	StackStateFileName = "rewind-stacks.json"
)

// Snapshot is one backup archive plus its side metadata.
// A snapshot is immutable once written; only retention pruning deletes it.
type Snapshot struct {
	ID          string
	ArchivePath string
	Metadata    *MetadataRecord
	StackState  *StackStateRecord
	Size        int64
	CreatedAt   time.Time
	Encrypted   bool
}

// Fingerprint identifies the host a snapshot was taken on.
type Fingerprint struct {
	Hostname     string `json:"hostname"`
	Kernel       string `json:"kernel"`
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
}

// PathPermission is one entry of the ownership/permission ledger.
type PathPermission struct {
	Path  string      `json:"path"`
	UID   int         `json:"uid"`
	GID   int         `json:"gid"`
	Owner string      `json:"owner,omitempty"`
	Group string      `json:"group,omitempty"`
	Mode  fs.FileMode `json:"mode"`
}

// MetadataRecord is the permission ledger written alongside every archive.
type MetadataRecord struct {
	CapturedAt  time.Time        `json:"captured_at"`
	ToolVersion string           `json:"tool_version"`
	Fingerprint Fingerprint      `json:"fingerprint"`
	Roots       []string         `json:"roots"`
	Entries     []PathPermission `json:"entries"`
}

// ChildDirectories returns the names of the directories directly below dir
// that the record saw at capture time.
func (m *MetadataRecord) ChildDirectories(dir string) []string {
	if m == nil {
		return nil
	}
	dir = filepath.Clean(dir)
	var names []string
	for _, e := range m.Entries {
		if !e.Mode.IsDir() {
			continue
		}
		if filepath.Dir(filepath.Clean(e.Path)) == dir {
			names = append(names, filepath.Base(e.Path))
		}
	}
	sort.Strings(names)
	return names
}

// ArchMismatch signals that a snapshot was taken on a different CPU architecture.
type ArchMismatch struct {
	Recorded string
	Current  string
}

// ReplayFailure is a single entry that could not be re-owned or re-moded.
type ReplayFailure struct {
	Path string
	Err  error
}

// ReplayReport summarizes a metadata replay. Missing entries are those
// recorded at capture time that do not exist after extraction.
type ReplayReport struct {
	Applied int
	Missing []string
	Failed  []ReplayFailure
}

// Clean reports whether every recorded entry was replayed.
func (r *ReplayReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Failed) == 0
}

// RootMove relocates a directory tree from one absolute path to another.
type RootMove struct {
	From string
	To   string
}

// Map rewrites p when it is From or lives below it. ok is false otherwise.
func (m RootMove) Map(p string) (string, bool) {
	from := filepath.Clean(m.From)
	if p == from {
		return filepath.Clean(m.To), true
	}
	if strings.HasPrefix(p, from+"/") {
		return filepath.Join(m.To, p[len(from):]), true
	}
	return p, false
}

// RootMapping is an ordered set of moves. The most specific From wins.
type RootMapping []RootMove

// Map applies the first matching move, trying longer prefixes first.
func (rm RootMapping) Map(p string) string {
	moves := make([]RootMove, len(rm))
	copy(moves, rm)
	sort.SliceStable(moves, func(i, j int) bool { return len(moves[i].From) > len(moves[j].From) })
	for _, m := range moves {
		if mapped, ok := m.Map(p); ok {
			return mapped
		}
	}
	return p
}

// SideFile is an in-memory file written at the root of an archive.
type SideFile struct {
	Name    string
	Content []byte
}

// ArchiveRef points at a finished archive on disk.
type ArchiveRef struct {
	Path      string
	Size      int64
	Encrypted bool
}

// ExtractOptions controls archive extraction.
type ExtractOptions struct {
	// SameOwner restores recorded uid/gid. Requires elevated privilege.
	SameOwner bool
	// Mapping relocates archived roots onto other paths.
	Mapping RootMapping
}

// ExtractedTree lists what an extraction created.
type ExtractedTree struct {
	Root    string
	Entries int
}
