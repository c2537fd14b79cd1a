package rewind

import "context"

// RemoteStack is a stack as the control plane reports it, without its
// compose file content.
type RemoteStack struct {
	ID              int
	Name            string
	Status          StackStatus
	EndpointID      int
	EntryPoint      string
	Env             []EnvVar
	AdditionalFiles []string
	AutoUpdate      *AutoUpdatePolicy
	GitConfig       *GitConfig
	ProjectPath     string
}

// CreateStackRequest carries everything needed to deploy a stack.
// When GitConfig is set the stack is deployed from the repository and
// ComposeContent is ignored.
type CreateStackRequest struct {
	EndpointID      int
	Name            string
	ComposeContent  string
	Env             []EnvVar
	GitConfig       *GitConfig
	AutoUpdate      *AutoUpdatePolicy
	AdditionalFiles []string
}

// ControlPlane is the stack-management API of the platform.
// Implementations authenticate lazily and retry exactly once on a 401.
type ControlPlane interface {
	// ListStacks returns every registered stack.
	ListStacks(ctx context.Context) ([]RemoteStack, error)

	// GetStack returns one stack's detail.
	GetStack(ctx context.Context, id int) (*RemoteStack, error)

	// GetStackFile returns the entry-point compose file content.
	GetStackFile(ctx context.Context, id int) (string, error)

	// CreateStack deploys a new stack and returns its id.
	CreateStack(ctx context.Context, req CreateStackRequest) (int, error)

	// UpdateStack replaces a stack's compose content and environment.
	UpdateStack(ctx context.Context, id, endpointID int, compose string, env []EnvVar) error

	StartStack(ctx context.Context, id, endpointID int) error
	StopStack(ctx context.Context, id, endpointID int) error
	DeleteStack(ctx context.Context, id, endpointID int) error
}
