package binder

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/telecast-labs/inputbroker/internal/domain"
)

// Container labels advertising a provider backend.
const (
	labelProviderID   = "inputbroker.provider.id"
	labelProviderName = "inputbroker.provider.name"
	labelProviderDesc = "inputbroker.provider.description"
	labelProviderAddr = "inputbroker.provider.address"
)

// DockerRegistry discovers providers from labeled containers: any container
// carrying the provider-id label is advertised to every scope. The address
// defaults to the container's name on the provider network.
type DockerRegistry struct {
	binder *DockerBinder
}

// Registry returns a label-based provider registry sharing this binder's
// Docker client.
func (b *DockerBinder) Registry() *DockerRegistry {
	return &DockerRegistry{binder: b}
}

// ListProviders enumerates labeled containers, running or not.
func (r *DockerRegistry) ListProviders(ctx context.Context, _ domain.ScopeID) ([]domain.ProviderDescriptor, error) {
	f := filters.NewArgs()
	f.Add("label", labelProviderID)

	containers, err := r.binder.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list provider containers: %w", err)
	}

	providers := make([]domain.ProviderDescriptor, 0, len(containers))
	for _, c := range containers {
		id := c.Labels[labelProviderID]
		if id == "" {
			continue
		}
		desc := domain.ProviderDescriptor{
			ID:          id,
			Name:        c.Labels[labelProviderName],
			Description: c.Labels[labelProviderDesc],
			Address:     c.Labels[labelProviderAddr],
		}
		if desc.Name == "" {
			desc.Name = id
		}
		if desc.Address == "" && len(c.Names) > 0 {
			desc.Address = strings.TrimPrefix(c.Names[0], "/") + ":" + backendPort
		}
		providers = append(providers, desc)
	}
	return providers, nil
}
