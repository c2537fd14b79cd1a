package rewind

import "context"

// Container states and health values reported by a Runtime.
const (
	ContainerRunning = "running"

	HealthNone      = ""
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthStarting  = "starting"
)

// Container is a runtime container. Project is the compose project
// (stack name) the container belongs to, empty for standalone containers.
type Container struct {
	ID      string
	Name    string
	Project string
	State   string
	Health  string
}

// Up reports whether the container is running and not failing its healthcheck.
func (c Container) Up() bool {
	return c.State == ContainerRunning && (c.Health == HealthNone || c.Health == HealthHealthy)
}

// Runtime is the container runtime the stacks run on.
type Runtime interface {
	ListContainers(ctx context.Context) ([]Container, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
}
