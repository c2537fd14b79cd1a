package rewind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Capturer reads the full stack inventory from the control plane.
type Capturer struct {
	cp       ControlPlane
	hostPath RootMapping
	readFile func(string) ([]byte, error)
	logger   Logger
	clock    Clock
}

// NewCapturer creates a Capturer. hostPath maps the control plane's own view
// of project paths to where they live on this host; additional stack files
// are read through it.
func NewCapturer(cp ControlPlane, hostPath RootMapping, logger Logger, clock Clock) *Capturer {
	return &Capturer{cp: cp, hostPath: hostPath, readFile: os.ReadFile, logger: logger, clock: clock}
}

// Capture lists all stacks and fetches each one's full definition. A failure
// on one stack marks its descriptor partial; the others are still captured.
// Failing to list stacks at all is fatal.
func (c *Capturer) Capture(ctx context.Context) (*StackStateRecord, error) {
	stacks, err := c.cp.ListStacks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing stacks: %w", err)
	}
	sort.Slice(stacks, func(i, j int) bool { return stacks[i].Name < stacks[j].Name })

	rec := &StackStateRecord{Format: FormatEnhanced, CapturedAt: c.clock.Now().UTC()}
	for _, s := range stacks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc, err := c.describe(ctx, s)
		if errors.Is(err, ErrAuthRejected) {
			return nil, err
		}
		rec.Stacks = append(rec.Stacks, desc)
	}
	c.logger.Info("stack state captured", "stacks", len(rec.Stacks), "partial", rec.PartialCount())
	return rec, nil
}

// describe builds a descriptor, falling back to the list entry when detail
// calls fail. The error is non-nil only for auth rejection.
func (c *Capturer) describe(ctx context.Context, s RemoteStack) (StackDescriptor, error) {
	fail := func(d *StackDescriptor, what string, err error) {
		d.Partial = true
		d.CaptureErrors = append(d.CaptureErrors, fmt.Sprintf("%s: %v", what, err))
		c.logger.Warn("stack captured partially", "stack", s.Name, "detail", what, "error", err)
	}

	detail, err := c.cp.GetStack(ctx, s.ID)
	if errors.Is(err, ErrAuthRejected) {
		return StackDescriptor{}, err
	}
	desc := StackDescriptor{}
	if err != nil {
		fillDescriptor(&desc, s)
		fail(&desc, "stack detail", err)
	} else {
		fillDescriptor(&desc, *detail)
	}

	// Git stacks are redeployed from their repository; their file is still
	// captured so the snapshot stands on its own.
	content, err := c.cp.GetStackFile(ctx, s.ID)
	if errors.Is(err, ErrAuthRejected) {
		return StackDescriptor{}, err
	}
	if err != nil {
		fail(&desc, "compose file", err)
	} else {
		desc.ComposeContent = content
	}

	names := s.AdditionalFiles
	if detail != nil {
		names = detail.AdditionalFiles
	}
	for _, name := range names {
		if name == desc.EntryPoint {
			continue
		}
		hostProject := c.hostPath.Map(desc.ProjectPath)
		data, err := c.readFile(filepath.Join(hostProject, name))
		if err != nil {
			fail(&desc, "additional file "+name, err)
			continue
		}
		desc.AdditionalFiles = append(desc.AdditionalFiles, StackFile{Name: name, Content: string(data)})
	}
	return desc, nil
}

func fillDescriptor(d *StackDescriptor, s RemoteStack) {
	d.ID = s.ID
	d.Name = s.Name
	d.Status = s.Status
	d.EndpointID = s.EndpointID
	d.EntryPoint = s.EntryPoint
	d.Env = append([]EnvVar(nil), s.Env...)
	d.AutoUpdate = s.AutoUpdate
	d.GitConfig = s.GitConfig
	d.ProjectPath = s.ProjectPath
}
