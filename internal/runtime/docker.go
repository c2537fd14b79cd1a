// Package runtime talks to the Docker Engine the stacks run on. Containers
// are attributed to stacks by the compose project label.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"rewind/internal/config"
	"rewind/internal/rewind"
)

// ProjectLabel is set by compose on every container of a project.
const ProjectLabel = "com.docker.compose.project"

// apiClient is the part of the Docker client Docker uses.
type apiClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Docker implements rewind.Runtime on the Docker Engine API.
type Docker struct {
	api         apiClient
	stopTimeout time.Duration
}

var _ rewind.Runtime = (*Docker)(nil)

// NewDockerFromConfig connects to cfg.Host, or to DOCKER_HOST and the
// default socket when it is empty. The API version is negotiated.
func NewDockerFromConfig(cfg config.RuntimeConfig) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Docker{api: api, stopTimeout: 30 * time.Second}, nil
}

// ListContainers returns every container, running or not.
func (d *Docker) ListContainers(ctx context.Context) ([]rewind.Container, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	out := make([]rewind.Container, 0, len(list))
	for _, c := range list {
		out = append(out, rewind.Container{
			ID:      c.ID,
			Name:    containerName(c.Names),
			Project: c.Labels[ProjectLabel],
			State:   string(c.State),
			Health:  healthFromStatus(c.Status),
		})
	}
	return out, nil
}

// StopContainer stops a container, killing it after the stop timeout.
func (d *Docker) StopContainer(ctx context.Context, id string) error {
	secs := int(d.stopTimeout / time.Second)
	if err := d.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stopping container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force-removes a container. Named volumes are kept.
func (d *Docker) RemoveContainer(ctx context.Context, id string) error {
	if err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

// Close releases the client's connections.
func (d *Docker) Close() error {
	return d.api.Close()
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// healthFromStatus extracts the healthcheck state from the human-readable
// status, e.g. "Up 2 hours (healthy)". The list endpoint carries no
// structured health on the API versions we negotiate.
func healthFromStatus(status string) string {
	switch {
	case strings.Contains(status, "(unhealthy)"):
		return rewind.HealthUnhealthy
	case strings.Contains(status, "(healthy)"):
		return rewind.HealthHealthy
	case strings.Contains(status, "(health: starting)"):
		return rewind.HealthStarting
	default:
		return rewind.HealthNone
	}
}
