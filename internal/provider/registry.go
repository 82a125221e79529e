package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/telecast-labs/inputbroker/internal/domain"
)

// StaticRegistry serves a fixed provider list to every scope. Entries come
// from configuration in the form "id=address" or "id=name=address".
type StaticRegistry struct {
	providers []domain.ProviderDescriptor
}

// NewStaticRegistry builds a registry from configuration entries.
func NewStaticRegistry(entries []string) (*StaticRegistry, error) {
	providers := make([]domain.ProviderDescriptor, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid provider entry %q, want id=address", entry)
		}
		desc := domain.ProviderDescriptor{ID: parts[0], Name: parts[0]}
		if len(parts) == 3 {
			desc.Name = parts[1]
			desc.Address = parts[2]
		} else {
			desc.Address = parts[1]
		}
		if desc.ID == "" || desc.Address == "" {
			return nil, fmt.Errorf("invalid provider entry %q, empty id or address", entry)
		}
		providers = append(providers, desc)
	}
	return &StaticRegistry{providers: providers}, nil
}

// ListProviders returns the configured providers regardless of scope.
func (r *StaticRegistry) ListProviders(_ context.Context, _ domain.ScopeID) ([]domain.ProviderDescriptor, error) {
	out := make([]domain.ProviderDescriptor, len(r.providers))
	copy(out, r.providers)
	return out, nil
}
