// Package sandbox probes the OS sandbox the agent runs in.
//
// FULL_ACCESS dispatch is only safe when the agent container is actually
// running; the policy engine degrades to WRITE_LOCAL when the probe fails.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/client"
)

// ErrNotInitialized means the sandbox container is absent or not running.
var ErrNotInitialized = errors.New("sandbox: not initialized")

// Probe reports whether the sandbox is ready. Implementations cache
// aggressively; the policy engine calls this on every tier resolution.
type Probe interface {
	Ready(ctx context.Context) error
}

// DockerProbe checks that the Docker daemon answers and that the named
// agent container exists and is running.
type DockerProbe struct {
	containerName string

	mu        sync.Mutex
	cli       *client.Client
	lastCheck time.Time
	lastErr   error
}

// cacheWindow bounds how often the probe hits the Docker API.
const cacheWindow = 10 * time.Second

// NewDockerProbe creates a probe for containerName. The Docker client reads
// its endpoint from the environment (DOCKER_HOST et al).
func NewDockerProbe(containerName string) (*DockerProbe, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &DockerProbe{containerName: containerName, cli: cli}, nil
}

// Ready returns nil when the sandbox container is running. Results are
// cached for a short window so tier resolution stays cheap.
func (p *DockerProbe) Ready(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastCheck) < cacheWindow {
		return p.lastErr
	}
	p.lastErr = p.check(ctx)
	p.lastCheck = time.Now()
	return p.lastErr
}

func (p *DockerProbe) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := p.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: docker daemon unreachable: %v", ErrNotInitialized, err)
	}

	info, err := p.cli.ContainerInspect(ctx, p.containerName)
	if err != nil {
		return fmt.Errorf("%w: container %q: %v", ErrNotInitialized, p.containerName, err)
	}
	if info.State == nil || !info.State.Running {
		return fmt.Errorf("%w: container %q is not running", ErrNotInitialized, p.containerName)
	}
	return nil
}

// Close releases the underlying Docker client.
func (p *DockerProbe) Close() error {
	return p.cli.Close()
}

// StaticProbe is a fixed-answer probe for native mode and tests.
type StaticProbe struct {
	Err error
}

func (p StaticProbe) Ready(context.Context) error {
	return p.Err
}
