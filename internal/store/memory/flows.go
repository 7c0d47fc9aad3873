package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// FlowRegistry keeps immutable flow templates keyed by ID and version.
// Registering an existing version fails; flows never change in place
type FlowRegistry struct {
	flows map[api.FlowID]map[string]*api.Flow
	mu    sync.RWMutex
}

// NewFlowRegistry creates an empty in-memory flow registry
func NewFlowRegistry() *FlowRegistry {
	return &FlowRegistry{
		flows: map[api.FlowID]map[string]*api.Flow{},
	}
}

func (r *FlowRegistry) Register(_ context.Context, flow *api.Flow) error {
	if err := flow.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.flows[flow.ID]
	if versions == nil {
		versions = map[string]*api.Flow{}
		r.flows[flow.ID] = versions
	}
	if _, ok := versions[flow.Version]; ok {
		return fmt.Errorf(
			"%w: %s@%s", store.ErrVersionExists, flow.ID, flow.Version,
		)
	}
	versions[flow.Version] = flow
	return nil
}

func (r *FlowRegistry) Get(
	ctx context.Context, id api.FlowID, version string,
) (*api.Flow, error) {
	if version == "" {
		return r.Latest(ctx, id)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	flow, ok := r.flows[id][version]
	if !ok {
		return nil, fmt.Errorf(
			"%w: flow %s@%s", store.ErrNotFound, id, version,
		)
	}
	return flow, nil
}

func (r *FlowRegistry) Latest(
	_ context.Context, id api.FlowID,
) (*api.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.flows[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: flow %s", store.ErrNotFound, id)
	}
	var best *api.Flow
	for _, flow := range versions {
		if best == nil ||
			api.CompareVersions(flow.Version, best.Version) > 0 {
			best = flow
		}
	}
	return best, nil
}

func (r *FlowRegistry) Versions(
	_ context.Context, id api.FlowID,
) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.flows[id]
	res := make([]string, 0, len(versions))
	for version := range versions {
		res = append(res, version)
	}
	slices.SortFunc(res, api.CompareVersions)
	return res, nil
}
