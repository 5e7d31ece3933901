package procwatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// IRootResolver resolves the pid at which lineage walks stop.
type IRootResolver interface {
	RootPID(ctx context.Context) (int, error)
	Close() error
}

// StaticRoot is the resolver used inside the workload container, where the
// container init is simply pid 1.
type StaticRoot int

func (s StaticRoot) RootPID(ctx context.Context) (int, error) {
	return int(s), nil
}

func (s StaticRoot) Close() error {
	return nil
}

// DockerRootResolver finds the host pid of a container's init process. It
// is used when the agent runs on the host next to the workload container.
// The cached pid is invalidated on container lifecycle events so a restarted
// container is picked up.
type DockerRootResolver struct {
	client    *client.Client
	container string
	logger    *slog.Logger

	mu        sync.RWMutex
	cachedPID int

	eventCancel  context.CancelFunc
	eventStopped chan struct{}
}

// NewDockerRootResolver connects to the local Docker daemon and starts
// watching lifecycle events of the named container.
func NewDockerRootResolver(containerName string, logger *slog.Logger) (*DockerRootResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat("/var/run/docker.sock"); os.IsNotExist(err) {
		return nil, fmt.Errorf("docker socket not found: %w", err)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}

	eventCtx, eventCancel := context.WithCancel(context.Background())
	r := &DockerRootResolver{
		client:       cli,
		container:    containerName,
		logger:       logger,
		eventCancel:  eventCancel,
		eventStopped: make(chan struct{}),
	}
	go r.monitorEvents(eventCtx)
	return r, nil
}

// RootPID returns the container's init pid as seen from the host.
// Includes retry logic for containers that are still starting.
func (r *DockerRootResolver) RootPID(ctx context.Context) (int, error) {
	r.mu.RLock()
	cached := r.cachedPID
	r.mu.RUnlock()
	if cached > 0 {
		return cached, nil
	}

	const maxRetries = 3
	const retryDelay = 50 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		inspectCtx, cancel := context.WithTimeout(ctx, time.Second)
		inspect, err := r.client.ContainerInspect(inspectCtx, r.container)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("inspect container %s: %w", r.container, err)
			continue
		}
		if inspect.State == nil || !inspect.State.Running || inspect.State.Pid == 0 {
			lastErr = fmt.Errorf("container %s is not running", r.container)
			continue
		}

		r.mu.Lock()
		r.cachedPID = inspect.State.Pid
		r.mu.Unlock()
		return inspect.State.Pid, nil
	}
	return 0, lastErr
}

func (r *DockerRootResolver) invalidate() {
	r.mu.Lock()
	r.cachedPID = 0
	r.mu.Unlock()
}

func (r *DockerRootResolver) monitorEvents(ctx context.Context) {
	defer close(r.eventStopped)

	eventFilters := filters.NewArgs()
	eventFilters.Add("type", "container")
	eventFilters.Add("container", r.container)
	eventFilters.Add("event", "die")
	eventFilters.Add("event", "stop")
	eventFilters.Add("event", "kill")
	eventFilters.Add("event", "start")
	eventFilters.Add("event", "restart")

	eventChan, errChan := r.client.Events(ctx, events.ListOptions{Filters: eventFilters})
	r.logger.Debug("docker event monitoring started", "container", r.container)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("docker event monitoring stopped", "container", r.container)
			return

		case err := <-errChan:
			if err != nil && err != io.EOF && ctx.Err() == nil {
				r.logger.Warn("docker event stream error", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				eventChan, errChan = r.client.Events(ctx, events.ListOptions{Filters: eventFilters})
			}

		case event := <-eventChan:
			r.logger.Info("container lifecycle event, refreshing root pid",
				"container", r.container, "action", string(event.Action))
			r.invalidate()
		}
	}
}

func (r *DockerRootResolver) Close() error {
	if r.eventCancel != nil {
		r.eventCancel()
		select {
		case <-r.eventStopped:
		case <-time.After(2 * time.Second):
			r.logger.Warn("docker event monitoring did not stop within timeout")
		}
	}
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
