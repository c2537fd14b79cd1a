package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"

	"rewind/internal/config"
	"rewind/internal/rewind"
)

type fakeAPI struct {
	list    []container.Summary
	listErr error
	stopped map[string]int
	removed map[string]bool
}

func (f *fakeAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	if !options.All {
		return nil, errors.New("expected All")
	}
	return f.list, f.listErr
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	if id == "missing" {
		return errors.New("No such container")
	}
	f.stopped[id] = *options.Timeout
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	if !options.Force {
		return errors.New("expected Force")
	}
	f.removed[id] = true
	return nil
}

func (f *fakeAPI) Close() error { return nil }

func newFake() (*Docker, *fakeAPI) {
	api := &fakeAPI{stopped: map[string]int{}, removed: map[string]bool{}}
	return &Docker{api: api, stopTimeout: 10 * time.Second}, api
}

func TestHealthFromStatus(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{status: "Up 2 hours (healthy)", want: rewind.HealthHealthy},
		{status: "Up 5 seconds (health: starting)", want: rewind.HealthStarting},
		{status: "Up 3 minutes (unhealthy)", want: rewind.HealthUnhealthy},
		{status: "Up 3 minutes", want: rewind.HealthNone},
		{status: "Exited (1) 2 minutes ago", want: rewind.HealthNone},
		{status: "", want: rewind.HealthNone},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			if got := healthFromStatus(tt.status); got != tt.want {
				t.Errorf("healthFromStatus(%q) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestDocker_ListContainers(t *testing.T) {
	d, api := newFake()
	api.list = []container.Summary{
		{ID: "a1", Names: []string{"/media-web-1"}, Labels: map[string]string{ProjectLabel: "media"}, State: "running", Status: "Up 1 hour (healthy)"},
		{ID: "b2", Names: []string{"/watchtower"}, State: "exited", Status: "Exited (0) 1 day ago"},
	}

	got, err := d.ListContainers(context.Background())
	if err != nil {
		t.Fatalf("ListContainers() error = %v", err)
	}
	want := []rewind.Container{
		{ID: "a1", Name: "media-web-1", Project: "media", State: "running", Health: rewind.HealthHealthy},
		{ID: "b2", Name: "watchtower", State: "exited"},
	}
	if len(got) != len(want) {
		t.Fatalf("ListContainers() = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("container %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if !got[0].Up() || got[1].Up() {
		t.Error("Up() does not reflect state and health")
	}
}

func TestDocker_ListContainersError(t *testing.T) {
	d, api := newFake()
	api.listErr = errors.New("Cannot connect to the Docker daemon")
	if _, err := d.ListContainers(context.Background()); err == nil {
		t.Error("ListContainers() expected error")
	}
}

func TestDocker_StopAndRemove(t *testing.T) {
	d, api := newFake()
	ctx := context.Background()

	if err := d.StopContainer(ctx, "a1"); err != nil {
		t.Fatalf("StopContainer() error = %v", err)
	}
	if api.stopped["a1"] != 10 {
		t.Errorf("stop timeout = %d, want 10", api.stopped["a1"])
	}
	if err := d.StopContainer(ctx, "missing"); err == nil {
		t.Error("StopContainer(missing) expected error")
	}
	if err := d.RemoveContainer(ctx, "a1"); err != nil {
		t.Fatalf("RemoveContainer() error = %v", err)
	}
	if !api.removed["a1"] {
		t.Error("container not removed")
	}
}

func TestNewDockerFromConfig(t *testing.T) {
	d, err := NewDockerFromConfig(config.RuntimeConfig{Host: "unix:///var/run/docker.sock"})
	if err != nil {
		t.Fatalf("NewDockerFromConfig() error = %v", err)
	}
	defer d.Close()

	if _, err := NewDockerFromConfig(config.RuntimeConfig{Host: "not a url"}); err == nil {
		t.Error("NewDockerFromConfig() with invalid host expected error")
	}
}
