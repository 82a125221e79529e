// Package binder starts and stops provider backend processes. The Docker
// implementation runs each provider backend as a container on a dedicated
// bridge network and reports connection transitions back to the broker.
package binder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/telecast-labs/inputbroker/internal/domain"
	"github.com/telecast-labs/inputbroker/internal/provider"
)

const (
	stopTimeoutSecs = 10

	// Resource limits for provider backend containers.
	memoryLimitBytes = 256 * 1024 * 1024 // 256MB
	pidsLimit        = 128

	// Default gRPC port a containerized backend listens on.
	backendPort = "50051"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// Config controls the Docker binder.
type Config struct {
	// Network is the bridge network provider containers join.
	Network string

	// Subnet used when the network has to be created.
	Subnet string

	// Runtime is the container runtime: "" = default (runc), "runsc" = gVisor.
	Runtime string

	// ConnectTimeout bounds how long a dialed backend may take to become
	// ready before the bind is reported as failed.
	ConnectTimeout time.Duration
}

type boundService struct {
	providerID  string
	scope       domain.ScopeID
	containerID string // empty when the backend is externally managed
	svc         *provider.RemoteService
}

// DockerBinder implements provider.Binder using the Docker API.
type DockerBinder struct {
	cli    *client.Client
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	bound map[string]*boundService
}

// NewDockerBinder creates a Docker-backed process binder.
func NewDockerBinder(cfg Config, logger *slog.Logger) (*DockerBinder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Network == "" {
		cfg.Network = "inputbroker-providers"
	}
	if cfg.Subnet == "" {
		cfg.Subnet = "172.29.0.0/16"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	logger.Info("Docker client initialized", "runtime", runtime)
	return &DockerBinder{cli: cli, cfg: cfg, logger: logger, bound: make(map[string]*boundService)}, nil
}

func bindKey(providerID string, scope domain.ScopeID) string {
	return string(scope) + "/" + providerID
}

// Bind requests a connection to the provider's backend. The request is
// accepted immediately; container startup and dialing happen on a background
// goroutine, and the outcome is delivered through events.
func (b *DockerBinder) Bind(_ context.Context, desc domain.ProviderDescriptor, scope domain.ScopeID, events provider.ConnectionEvents) error {
	go b.connect(context.Background(), desc, scope, events)
	return nil
}

func (b *DockerBinder) connect(ctx context.Context, desc domain.ProviderDescriptor, scope domain.ScopeID, events provider.ConnectionEvents) {
	addr := desc.Address
	containerID := ""

	// Addresses without a port are image references: run the backend
	// ourselves and reach it by container name on the bridge network.
	if !strings.Contains(desc.Address, ":") {
		name := containerName(desc.ID, scope)
		id, err := b.ensureContainer(ctx, desc.Address, name)
		if err != nil {
			b.logger.Error("provider container start failed", "provider_id", desc.ID, "scope", scope, "error", err)
			events.OnDisconnected(desc.ID, scope)
			return
		}
		containerID = id
		addr = name + ":" + backendPort
	}

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	svc, err := provider.DialService(dialCtx, addr, b.logger)
	if err != nil {
		b.logger.Error("provider backend dial failed", "provider_id", desc.ID, "scope", scope, "addr", addr, "error", err)
		if containerID != "" {
			if stopErr := b.stopContainer(ctx, containerID); stopErr != nil {
				b.logger.Warn("failed to stop container after dial failure", "container_id", containerID, "error", stopErr)
			}
		}
		events.OnDisconnected(desc.ID, scope)
		return
	}

	b.mu.Lock()
	b.bound[bindKey(desc.ID, scope)] = &boundService{
		providerID:  desc.ID,
		scope:       scope,
		containerID: containerID,
		svc:         svc,
	}
	b.mu.Unlock()

	// Watch the transport so a crashed backend surfaces as a disconnect.
	svc.OnClose(func() {
		b.mu.Lock()
		_, stillBound := b.bound[bindKey(desc.ID, scope)]
		delete(b.bound, bindKey(desc.ID, scope))
		b.mu.Unlock()
		if stillBound {
			events.OnDisconnected(desc.ID, scope)
		}
	})

	events.OnConnected(desc.ID, scope, svc)
}

// Unbind releases the connection and, for container-managed backends, stops
// and removes the container. Idempotent.
func (b *DockerBinder) Unbind(ctx context.Context, providerID string, scope domain.ScopeID) error {
	b.mu.Lock()
	bs, ok := b.bound[bindKey(providerID, scope)]
	delete(b.bound, bindKey(providerID, scope))
	b.mu.Unlock()
	if !ok {
		return nil
	}

	if err := bs.svc.Close(); err != nil {
		b.logger.Warn("failed to close backend connection", "provider_id", providerID, "error", err)
	}
	if bs.containerID != "" {
		if err := b.stopContainer(ctx, bs.containerID); err != nil {
			return fmt.Errorf("stop provider container: %w", err)
		}
	}
	return nil
}

func containerName(providerID string, scope domain.ScopeID) string {
	return fmt.Sprintf("provider-%s-%s", providerID, scope)
}

// ensureContainer makes sure a backend container exists and is running,
// recycling stopped leftovers from earlier runs.
func (b *DockerBinder) ensureContainer(ctx context.Context, image, name string) (string, error) {
	inspect, err := b.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State.Running {
			b.logger.Info("provider container already running", "container_id", inspect.ID, "name", name)
			return inspect.ID, nil
		}
		b.logger.Info("recycling stopped provider container", "container_id", inspect.ID, "name", name)
		if err := b.stopContainer(ctx, inspect.ID); err != nil {
			b.logger.Warn("failed to stop stale container before recreation", "container_id", inspect.ID, "error", err)
		}
	}

	b.logger.Info("creating provider container", "image", image, "name", name)

	config := &container.Config{
		Image: image,
	}
	hostConfig := &container.HostConfig{
		Runtime:     b.cfg.Runtime,
		NetworkMode: container.NetworkMode(b.cfg.Network),
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = b.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A concurrent/delayed cleanup can leave the old named container
		// briefly. Force-stop by name and retry shortly.
		b.logger.Warn("container name conflict during create, retrying",
			"name", name,
			"attempt", i+1,
			"error", createErr,
		)
		if inspect, inspectErr := b.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if stopErr := b.stopContainer(ctx, inspect.ID); stopErr != nil {
				b.logger.Warn("failed to stop conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			b.logger.Warn("failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	b.logger.Info("provider container started", "container_id", resp.ID, "name", name)
	return resp.ID, nil
}

// stopContainer stops and removes a container. It is idempotent and handles
// concurrent calls gracefully.
func (b *DockerBinder) stopContainer(ctx context.Context, containerID string) error {
	b.logger.Info("stopping provider container", "container_id", containerID)

	_, err := b.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := b.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !errdefs.IsNotFound(err) {
			b.logger.Debug("container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := b.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			b.logger.Debug("context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// EnsureNetwork creates the provider bridge network if it doesn't exist.
func (b *DockerBinder) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := b.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == b.cfg.Network {
			b.logger.Info("provider network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := b.cli.NetworkCreate(ctx, b.cfg.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: b.cfg.Subnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", b.cfg.Network, err)
	}
	b.logger.Info("provider network created", "network_id", createResp.ID, "subnet", b.cfg.Subnet)
	return createResp.ID, nil
}

// Close shuts every remaining binding down and closes the Docker client.
func (b *DockerBinder) Close() error {
	b.mu.Lock()
	remaining := make([]*boundService, 0, len(b.bound))
	for _, bs := range b.bound {
		remaining = append(remaining, bs)
	}
	b.bound = make(map[string]*boundService)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, bs := range remaining {
		if err := bs.svc.Close(); err != nil {
			b.logger.Warn("failed to close backend connection", "provider_id", bs.providerID, "scope", bs.scope, "error", err)
		}
		if bs.containerID != "" {
			if err := b.stopContainer(ctx, bs.containerID); err != nil {
				b.logger.Warn("failed to stop provider container", "container_id", bs.containerID, "error", err)
			}
		}
	}
	return b.cli.Close()
}

func ptr[T any](v T) *T {
	return &v
}
