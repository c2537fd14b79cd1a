package rewind

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// StackStateVersion is the enhanced stack-state format written by this tool.
const StackStateVersion = 2

// StateFormat tells which shape a stack-state document had on disk.
type StateFormat int

const (
	// FormatMissing means the archive carried no stack-state document.
	FormatMissing StateFormat = iota
	// FormatLegacy documents carry only id, name and status per stack.
	FormatLegacy
	// FormatEnhanced documents carry full stack descriptors.
	FormatEnhanced
)

func (f StateFormat) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatEnhanced:
		return "enhanced"
	default:
		return "missing"
	}
}

// StackStatus mirrors the control plane's numeric stack status.
type StackStatus int

const (
	StackActive   StackStatus = 1
	StackInactive StackStatus = 2
)

// EnvVar is one stack environment variable. Order is preserved.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StackFile is a non-entry-point file shipped with a stack.
type StackFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// AutoUpdatePolicy is the control plane's automatic redeploy setting.
type AutoUpdatePolicy struct {
	Interval       string `json:"interval,omitempty"`
	Webhook        string `json:"webhook,omitempty"`
	ForceUpdate    bool   `json:"force_update,omitempty"`
	ForcePullImage bool   `json:"force_pull_image,omitempty"`
}

// GitConfig describes a stack deployed from a git repository.
type GitConfig struct {
	URL            string `json:"url"`
	ReferenceName  string `json:"reference_name,omitempty"`
	ConfigFilePath string `json:"config_file_path,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
}

// StackDescriptor is the full definition of one deployable stack.
type StackDescriptor struct {
	ID              int               `json:"id"`
	Name            string            `json:"name"`
	Status          StackStatus       `json:"status"`
	ComposeContent  string            `json:"compose,omitempty"`
	Env             []EnvVar          `json:"env,omitempty"`
	EntryPoint      string            `json:"entry_point,omitempty"`
	AdditionalFiles []StackFile       `json:"additional_files,omitempty"`
	AutoUpdate      *AutoUpdatePolicy `json:"auto_update,omitempty"`
	GitConfig       *GitConfig        `json:"git_config,omitempty"`
	ProjectPath     string            `json:"project_path,omitempty"`
	EndpointID      int               `json:"endpoint_id,omitempty"`

	// Partial is set when some detail could not be fetched at capture time.
	Partial       bool     `json:"partial,omitempty"`
	CaptureErrors []string `json:"capture_errors,omitempty"`
}

// Recreatable reports whether the descriptor carries enough to redeploy the stack.
func (d *StackDescriptor) Recreatable() bool {
	return d.ComposeContent != "" || (d.GitConfig != nil && d.GitConfig.URL != "")
}

// StackStateRecord is the stack inventory captured with a snapshot.
type StackStateRecord struct {
	Format     StateFormat
	CapturedAt time.Time
	Stacks     []StackDescriptor
}

// Names returns the stack names in capture order.
func (r *StackStateRecord) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Stacks))
	for _, s := range r.Stacks {
		names = append(names, s.Name)
	}
	return names
}

// Find returns the descriptor with the given name, or nil.
func (r *StackStateRecord) Find(name string) *StackDescriptor {
	if r == nil {
		return nil
	}
	for i := range r.Stacks {
		if r.Stacks[i].Name == name {
			return &r.Stacks[i]
		}
	}
	return nil
}

// PartialCount returns how many descriptors were captured incompletely.
func (r *StackStateRecord) PartialCount() int {
	n := 0
	if r == nil {
		return n
	}
	for _, s := range r.Stacks {
		if s.Partial {
			n++
		}
	}
	return n
}

type enhancedStateDoc struct {
	Version    int               `json:"version"`
	CapturedAt time.Time         `json:"captured_at"`
	Stacks     []StackDescriptor `json:"stacks"`
}

type legacyStackDoc struct {
	ID     int         `json:"id"`
	Name   string      `json:"name"`
	Status StackStatus `json:"status"`
}

type legacyStateDoc struct {
	CapturedAt time.Time        `json:"captured_at"`
	Stacks     []legacyStackDoc `json:"stacks"`
}

// DecodeStackState selects the document shape once, by the presence of the
// version field, and decodes it. Empty input decodes to FormatMissing.
func DecodeStackState(data []byte) (*StackStateRecord, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &StackStateRecord{Format: FormatMissing}, nil
	}

	var head struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding stack state: %w", err)
	}

	if head.Version == nil {
		var doc legacyStateDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decoding legacy stack state: %w", err)
		}
		rec := &StackStateRecord{Format: FormatLegacy, CapturedAt: doc.CapturedAt}
		for _, s := range doc.Stacks {
			rec.Stacks = append(rec.Stacks, StackDescriptor{ID: s.ID, Name: s.Name, Status: s.Status})
		}
		return rec, nil
	}

	if *head.Version > StackStateVersion {
		return nil, fmt.Errorf("stack state version %d is newer than supported version %d", *head.Version, StackStateVersion)
	}
	var doc enhancedStateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding stack state: %w", err)
	}
	return &StackStateRecord{Format: FormatEnhanced, CapturedAt: doc.CapturedAt, Stacks: doc.Stacks}, nil
}

// EncodeStackState always writes the enhanced shape.
func EncodeStackState(r *StackStateRecord) ([]byte, error) {
	doc := enhancedStateDoc{Version: StackStateVersion, CapturedAt: r.CapturedAt, Stacks: r.Stacks}
	if doc.Stacks == nil {
		doc.Stacks = []StackDescriptor{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding stack state: %w", err)
	}
	return data, nil
}

// DecodeMetadata parses a metadata side file.
func DecodeMetadata(data []byte) (*MetadataRecord, error) {
	var rec MetadataRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &rec, nil
}

// EncodeMetadata serializes a metadata record for the archive.
func EncodeMetadata(r *MetadataRecord) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return data, nil
}
