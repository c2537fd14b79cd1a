package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"rewind/internal/rewind"
)

// FakePlatform is an in-memory control plane and container runtime.
// Starting a stack runs one container for its compose project; stopping it
// exits that container. Failures are injected per operation and stack name.
type FakePlatform struct {
	mu         sync.Mutex
	stacks     map[int]*fakeStack
	containers []rewind.Container
	nextID     int
	failures   map[string]error
	unhealthy  map[string]bool
	calls      []string

	// DataDir is the project path prefix the control plane reports.
	DataDir string
}

type fakeStack struct {
	remote  rewind.RemoteStack
	compose string
}

var (
	_ rewind.ControlPlane = (*FakePlatform)(nil)
	_ rewind.Runtime      = (*FakePlatform)(nil)
)

// NewFakePlatform returns an empty platform.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		stacks:    map[int]*fakeStack{},
		nextID:    1,
		failures:  map[string]error{},
		unhealthy: map[string]bool{},
		DataDir:   "/data",
	}
}

// AddStack registers a stack. An active stack gets a running container.
func (p *FakePlatform) AddStack(s rewind.RemoteStack, compose string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.ID == 0 {
		s.ID = p.nextID
	}
	if s.ID >= p.nextID {
		p.nextID = s.ID + 1
	}
	if s.EndpointID == 0 {
		s.EndpointID = 1
	}
	if s.ProjectPath == "" {
		s.ProjectPath = fmt.Sprintf("%s/compose/%d", p.DataDir, s.ID)
	}
	if s.EntryPoint == "" {
		s.EntryPoint = "docker-compose.yml"
	}
	if s.Status == 0 {
		s.Status = rewind.StackActive
	}
	p.stacks[s.ID] = &fakeStack{remote: s, compose: compose}
	if s.Status == rewind.StackActive {
		p.runLocked(s.Name)
	}
	return s.ID
}

// AddContainer adds a container that belongs to no registered stack.
func (p *FakePlatform) AddContainer(c rewind.Container) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.containers = append(p.containers, c)
}

// Fail makes op fail for the named stack. An empty name matches calls that
// do not concern a single stack, such as "list" and "containers".
func (p *FakePlatform) Fail(op, name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op+":"+name] = err
}

// Recover removes a failure injected with Fail.
func (p *FakePlatform) Recover(op, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, op+":"+name)
}

// SetUnhealthy makes containers of the named project report unhealthy.
func (p *FakePlatform) SetUnhealthy(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unhealthy[name] = true
	for i := range p.containers {
		if p.containers[i].Project == name {
			p.containers[i].Health = rewind.HealthUnhealthy
		}
	}
}

// Stack returns a copy of the registered stack named name.
func (p *FakePlatform) Stack(name string) (rewind.RemoteStack, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.byNameLocked(name); s != nil {
		return s.remote, s.compose, true
	}
	return rewind.RemoteStack{}, "", false
}

// StackNames returns the registered stack names, sorted.
func (p *FakePlatform) StackNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for _, s := range p.stacks {
		names = append(names, s.remote.Name)
	}
	sort.Strings(names)
	return names
}

// Running returns the names of compose projects with a running container.
func (p *FakePlatform) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := map[string]bool{}
	for _, c := range p.containers {
		if c.Project != "" && c.State == rewind.ContainerRunning {
			set[c.Project] = true
		}
	}
	var names []string
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Calls returns the recorded "op:name" calls in order.
func (p *FakePlatform) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// CallCount returns how many times op was called for name.
func (p *FakePlatform) CallCount(op, name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == op+":"+name {
			n++
		}
	}
	return n
}

func (p *FakePlatform) call(op, name string) error {
	p.calls = append(p.calls, op+":"+name)
	return p.failures[op+":"+name]
}

func (p *FakePlatform) byNameLocked(name string) *fakeStack {
	for _, s := range p.stacks {
		if s.remote.Name == name {
			return s
		}
	}
	return nil
}

func (p *FakePlatform) lookupLocked(id int) (*fakeStack, error) {
	s, ok := p.stacks[id]
	if !ok {
		return nil, fmt.Errorf("stack %d not found", id)
	}
	return s, nil
}

func (p *FakePlatform) runLocked(project string) {
	health := rewind.HealthNone
	if p.unhealthy[project] {
		health = rewind.HealthUnhealthy
	}
	for i := range p.containers {
		if p.containers[i].Project == project {
			p.containers[i].State = rewind.ContainerRunning
			p.containers[i].Health = health
			return
		}
	}
	p.containers = append(p.containers, rewind.Container{
		ID:      project + "-c1",
		Name:    project + "-app-1",
		Project: project,
		State:   rewind.ContainerRunning,
		Health:  health,
	})
}

func (p *FakePlatform) ListStacks(ctx context.Context) ([]rewind.RemoteStack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("list", ""); err != nil {
		return nil, err
	}
	out := make([]rewind.RemoteStack, 0, len(p.stacks))
	for _, s := range p.stacks {
		out = append(out, s.remote)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *FakePlatform) GetStack(ctx context.Context, id int) (*rewind.RemoteStack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if err := p.call("get", s.remote.Name); err != nil {
		return nil, err
	}
	r := s.remote
	return &r, nil
}

func (p *FakePlatform) GetStackFile(ctx context.Context, id int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(id)
	if err != nil {
		return "", err
	}
	if err := p.call("file", s.remote.Name); err != nil {
		return "", err
	}
	return s.compose, nil
}

func (p *FakePlatform) CreateStack(ctx context.Context, req rewind.CreateStackRequest) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("create", req.Name); err != nil {
		return 0, err
	}
	if p.byNameLocked(req.Name) != nil {
		return 0, fmt.Errorf("a stack named %s already exists", req.Name)
	}
	id := p.nextID
	p.nextID++
	p.stacks[id] = &fakeStack{
		remote: rewind.RemoteStack{
			ID:          id,
			Name:        req.Name,
			Status:      rewind.StackActive,
			EndpointID:  req.EndpointID,
			EntryPoint:  "docker-compose.yml",
			Env:         req.Env,
			AutoUpdate:  req.AutoUpdate,
			GitConfig:   req.GitConfig,
			ProjectPath: fmt.Sprintf("%s/compose/%d", p.DataDir, id),
		},
		compose: req.ComposeContent,
	}
	p.runLocked(req.Name)
	return id, nil
}

func (p *FakePlatform) UpdateStack(ctx context.Context, id, endpointID int, compose string, env []rewind.EnvVar) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := p.call("update", s.remote.Name); err != nil {
		return err
	}
	s.compose = compose
	s.remote.Env = env
	return nil
}

func (p *FakePlatform) StartStack(ctx context.Context, id, endpointID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := p.call("start", s.remote.Name); err != nil {
		return err
	}
	s.remote.Status = rewind.StackActive
	p.runLocked(s.remote.Name)
	return nil
}

func (p *FakePlatform) StopStack(ctx context.Context, id, endpointID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := p.call("stop", s.remote.Name); err != nil {
		return err
	}
	s.remote.Status = rewind.StackInactive
	for i := range p.containers {
		if p.containers[i].Project == s.remote.Name {
			p.containers[i].State = "exited"
		}
	}
	return nil
}

func (p *FakePlatform) DeleteStack(ctx context.Context, id, endpointID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := p.call("delete", s.remote.Name); err != nil {
		return err
	}
	delete(p.stacks, id)
	kept := p.containers[:0]
	for _, c := range p.containers {
		if c.Project != s.remote.Name {
			kept = append(kept, c)
		}
	}
	p.containers = kept
	return nil
}

func (p *FakePlatform) ListContainers(ctx context.Context) ([]rewind.Container, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("containers", ""); err != nil {
		return nil, err
	}
	return append([]rewind.Container(nil), p.containers...), nil
}

func (p *FakePlatform) StopContainer(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.containers {
		if p.containers[i].ID == id {
			if err := p.call("stop-container", p.containers[i].Project); err != nil {
				return err
			}
			p.containers[i].State = "exited"
			return nil
		}
	}
	return fmt.Errorf("container %s not found", id)
}

func (p *FakePlatform) RemoveContainer(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.containers {
		if p.containers[i].ID == id {
			if err := p.call("remove-container", p.containers[i].Project); err != nil {
				return err
			}
			p.containers = append(p.containers[:i], p.containers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("container %s not found", id)
}
