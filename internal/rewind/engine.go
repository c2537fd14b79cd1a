package rewind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Options is the explicit configuration of an Engine. Nothing in this
// package reads process-wide state; every path and policy comes from here.
type Options struct {
	// DataRoots are the absolute directory trees captured in every snapshot.
	DataRoots []string
	// StacksDir holds one directory per stack and lives inside a data root.
	StacksDir string
	// BackupDir is where archives are written.
	BackupDir string
	// CoreStacks are never removed or recreated by reconciliation.
	CoreStacks []string

	ToolVersion string

	// ControlPlanePaths maps project paths as the control plane reports them
	// to host paths.
	ControlPlanePaths RootMapping
	DefaultEndpoint   int

	// ArchMismatch is "warn" (default) or "abort".
	ArchMismatch     string
	ValidateAttempts int
	ValidateInterval time.Duration
	SameOwner        bool
	Encrypted        bool

	Retention RetentionPolicy
	AutoPrune bool
}

// Deps are the collaborators of an Engine. Vault may be nil.
type Deps struct {
	ControlPlane ControlPlane
	Runtime      Runtime
	Archiver     Archiver
	Recorder     Recorder
	Catalog      Catalog
	Vault        Vault
	Prompter     Prompter
	Locker       Locker
	Logger       Logger
	Clock        Clock
	IDGen        IDGenerator
}

// Engine orchestrates backup, restore and migration. It is strictly
// sequential: each phase depends on the side effects of the previous one.
type Engine struct {
	opts     Options
	cp       ControlPlane
	runtime  Runtime
	archiver Archiver
	recorder Recorder
	catalog  Catalog
	vault    Vault
	prompter Prompter
	locker   Locker
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	capturer *Capturer
	applier  *Applier
}

// NewEngine wires an Engine from explicit options and collaborators.
func NewEngine(opts Options, deps Deps) *Engine {
	if opts.ValidateAttempts <= 0 {
		opts.ValidateAttempts = 30
	}
	if opts.ValidateInterval <= 0 {
		opts.ValidateInterval = 5 * time.Second
	}
	if opts.ArchMismatch == "" {
		opts.ArchMismatch = "warn"
	}
	if deps.Logger == nil {
		deps.Logger = NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.IDGen == nil {
		deps.IDGen = UUIDGenerator{}
	}
	return &Engine{
		opts:     opts,
		cp:       deps.ControlPlane,
		runtime:  deps.Runtime,
		archiver: deps.Archiver,
		recorder: deps.Recorder,
		catalog:  deps.Catalog,
		vault:    deps.Vault,
		prompter: deps.Prompter,
		locker:   deps.Locker,
		logger:   deps.Logger,
		clock:    deps.Clock,
		idgen:    deps.IDGen,
		capturer: NewCapturer(deps.ControlPlane, opts.ControlPlanePaths, deps.Logger, deps.Clock),
		applier:  NewApplier(deps.ControlPlane, opts.ControlPlanePaths, opts.DefaultEndpoint, deps.Logger),
	}
}

// Options returns the engine's current options. Migration updates the data
// roots in place, so callers persist them after a successful migrate.
func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) isCore(name string) bool {
	for _, c := range e.opts.CoreStacks {
		if c == name {
			return true
		}
	}
	return false
}

func (e *Engine) containerIsCore(c Container) bool {
	if c.Project != "" {
		return e.isCore(c.Project)
	}
	return e.isCore(c.Name)
}

// locked runs fn holding the cross-invocation lock. The lock is released on
// every exit path, including panics.
func (e *Engine) locked(report *Report, fn func() error) error {
	res := report.begin(PhaseLock)
	if e.locker != nil {
		ok, err := e.locker.TryLock()
		if err != nil {
			res.Status = StatusFailed
			res.Err = err
			return &PhaseError{Phase: PhaseLock, State: "unchanged", Err: err}
		}
		if !ok {
			res.Status = StatusFailed
			res.Err = ErrLocked
			return &PhaseError{Phase: PhaseLock, State: "unchanged", Err: ErrLocked}
		}
		defer func() {
			if err := e.locker.Unlock(); err != nil {
				e.logger.Warn("releasing lock failed", "error", err)
			}
		}()
	}
	return fn()
}

// track records the operation in the catalog and finalizes the report.
func (e *Engine) track(report *Report, params string, fn func() error) error {
	var opID int64
	if e.catalog != nil {
		id, err := e.catalog.StartOperation(report.RunID, report.Operation, params, report.StartedAt)
		if err != nil {
			e.logger.Warn("recording operation start failed", "error", err)
		}
		opID = id
	}

	err := fn()
	report.FinishedAt = e.clock.Now()

	status := string(report.Outcome())
	if err != nil {
		status = string(OutcomeFailed)
	}
	if e.catalog != nil && opID != 0 {
		if cerr := e.catalog.FinishOperation(opID, status, report.Summary(), report.FinishedAt); cerr != nil {
			e.logger.Warn("recording operation finish failed", "error", cerr)
		}
	}
	e.logger.Info("operation finished", "operation", report.Operation, "outcome", status, "summary", report.Summary())
	return err
}

// fatal marks res failed and returns the PhaseError describing the state.
func fatal(res *PhaseResult, state string, err error) error {
	res.Status = StatusFailed
	res.Err = err
	return &PhaseError{Phase: res.Phase, State: state, Err: err}
}

// LiveInventory is the drifted live state a restore reconciles against.
// It is computed on demand and never persisted.
type LiveInventory struct {
	Directories []string
	Registered  []RemoteStack
	Containers  []Container
	// Rejected are names that cannot be a directory below the stacks dir.
	Rejected []string
}

// StackNames returns the union of stack directories and registered stacks.
// Containers only matter for tearing down a stack already in that set;
// compose projects run by hand are never reconciled.
func (inv *LiveInventory) StackNames() []string {
	set := map[string]bool{}
	for _, d := range inv.Directories {
		if ValidStackName(d) {
			set[d] = true
		}
	}
	for _, s := range inv.Registered {
		if ValidStackName(s.Name) {
			set[s.Name] = true
		}
	}
	return sortedKeys(set)
}

// ValidStackName reports whether name is a single local path element, so
// joining it to the stacks dir can never escape it.
func ValidStackName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return filepath.IsLocal(name) && !strings.ContainsAny(name, `/\`)
}

// Registration returns the registered stack named name, or nil.
func (inv *LiveInventory) Registration(name string) *RemoteStack {
	for i := range inv.Registered {
		if inv.Registered[i].Name == name {
			return &inv.Registered[i]
		}
	}
	return nil
}

// ContainersOf returns the containers of the named compose project.
func (inv *LiveInventory) ContainersOf(name string) []Container {
	var out []Container
	for _, c := range inv.Containers {
		if c.Project == name {
			out = append(out, c)
		}
	}
	return out
}

// Inventory computes the live inventory from disk, the control plane and
// the runtime.
func (e *Engine) Inventory(ctx context.Context) (*LiveInventory, error) {
	inv := &LiveInventory{}
	entries, err := os.ReadDir(e.opts.StacksDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading stacks directory: %w", err)
	}
	for _, d := range entries {
		if !d.IsDir() {
			continue
		}
		if !ValidStackName(d.Name()) {
			inv.Rejected = append(inv.Rejected, d.Name())
			continue
		}
		inv.Directories = append(inv.Directories, d.Name())
	}
	if inv.Registered, err = e.cp.ListStacks(ctx); err != nil {
		return nil, fmt.Errorf("listing stacks: %w", err)
	}
	for _, s := range inv.Registered {
		if !ValidStackName(s.Name) {
			inv.Rejected = append(inv.Rejected, s.Name)
		}
	}
	if inv.Containers, err = e.runtime.ListContainers(ctx); err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	return inv, nil
}

// diffStacks returns live names absent from target, excluding core stacks.
func (e *Engine) diffStacks(live, target []string) []string {
	want := map[string]bool{}
	for _, t := range target {
		want[t] = true
	}
	var remove []string
	for _, name := range live {
		if !want[name] && !e.isCore(name) {
			remove = append(remove, name)
		}
	}
	return remove
}

// confirm asks the prompter unless the caller already confirmed.
func (e *Engine) confirm(ctx context.Context, yes bool, question string) (bool, error) {
	if yes {
		return true, nil
	}
	if e.prompter == nil {
		return false, nil
	}
	return e.prompter.Confirm(ctx, question)
}

// stopStacks stops every non-core registered stack through the control
// plane, then any remaining non-core running container. Best-effort.
func (e *Engine) stopStacks(ctx context.Context, inv *LiveInventory, res *PhaseResult) {
	for _, s := range inv.Registered {
		if e.isCore(s.Name) || s.Status != StackActive {
			continue
		}
		if err := e.cp.StopStack(ctx, s.ID, e.endpoint(s.EndpointID)); err != nil {
			res.degrade(StatusWarning)
			res.addf("stopping stack %s: %v", s.Name, err)
			e.logger.Warn("stopping stack failed", "stack", s.Name, "error", err)
			continue
		}
		e.logger.Info("stack stopped", "stack", s.Name)
	}

	containers, err := e.runtime.ListContainers(ctx)
	if err != nil {
		res.degrade(StatusWarning)
		res.addf("listing containers: %v", err)
		return
	}
	for _, c := range containers {
		if e.containerIsCore(c) || c.State != ContainerRunning {
			continue
		}
		if err := e.runtime.StopContainer(ctx, c.ID); err != nil {
			res.degrade(StatusWarning)
			res.addf("stopping container %s: %v", c.Name, err)
			e.logger.Warn("stopping container failed", "container", c.Name, "error", err)
		}
	}
}

func (e *Engine) endpoint(id int) int {
	if id == 0 {
		return e.opts.DefaultEndpoint
	}
	return id
}

// startStacks starts every inactive registered stack in names.
func (e *Engine) startStacks(ctx context.Context, names []string, report *Report, res *PhaseResult) {
	registered, err := e.cp.ListStacks(ctx)
	if err != nil {
		res.degrade(StatusPartial)
		res.addf("listing stacks before start: %v", err)
		return
	}
	byName := map[string]RemoteStack{}
	for _, s := range registered {
		byName[s.Name] = s
	}
	for _, name := range names {
		out := report.stack(name)
		s, ok := byName[name]
		if !ok {
			if out.Err == nil {
				out.Err = errors.New("stack is not registered with the control plane")
			}
			continue
		}
		if s.Status == StackActive {
			out.Started = true
			continue
		}
		if err := e.cp.StartStack(ctx, s.ID, e.endpoint(s.EndpointID)); err != nil {
			out.Err = fmt.Errorf("starting: %w", err)
			res.degrade(StatusPartial)
			res.addf("starting stack %s: %v", name, err)
			e.logger.Error("starting stack failed", "stack", name, "error", err)
			continue
		}
		out.Started = true
		e.logger.Info("stack started", "stack", name)
	}
}

// validate polls the control plane and runtime with a fixed interval until
// every named stack is up or the attempts run out. Advisory only.
func (e *Engine) validate(ctx context.Context, names []string, report *Report) {
	res := report.begin(PhaseValidation)
	if len(names) == 0 {
		res.Status = StatusSkipped
		return
	}

	up, err := pollStacksUp(ctx, e.cp, e.runtime, names, e.opts.ValidateAttempts, e.opts.ValidateInterval)
	for _, name := range names {
		report.stack(name).Up = up[name]
	}
	if failed := report.FailedStacks(); len(failed) > 0 {
		res.degrade(StatusPartial)
		res.addf("stacks not running after %d checks: %s", e.opts.ValidateAttempts, strings.Join(failed, ", "))
		if err != nil {
			res.Err = err
		}
		e.logger.Warn("stacks failed validation", "stacks", strings.Join(failed, ","))
		return
	}
	e.logger.Info("all stacks running", "count", len(names))
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stackDir is the data directory of a stack.
func (e *Engine) stackDir(name string) string {
	return filepath.Join(e.opts.StacksDir, name)
}
