package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// FlowRegistry persists immutable flow templates keyed by (ID, version),
// with a version set per flow ID
type FlowRegistry struct {
	handle
}

func (r *FlowRegistry) flowKey(id api.FlowID, version string) string {
	return r.key("flow", string(id), version)
}

func (r *FlowRegistry) versionsKey(id api.FlowID) string {
	return r.key("flowvers", string(id))
}

func (r *FlowRegistry) Register(
	ctx context.Context, flow *api.Flow,
) error {
	if err := flow.Validate(); err != nil {
		return err
	}
	data, err := marshal(flow)
	if err != nil {
		return err
	}
	created, err := r.client.SetNX(
		ctx, r.flowKey(flow.ID, flow.Version), data, 0,
	).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: %s@%s",
			store.ErrVersionExists, flow.ID, flow.Version)
	}
	return r.client.SAdd(
		ctx, r.versionsKey(flow.ID), flow.Version,
	).Err()
}

func (r *FlowRegistry) Get(
	ctx context.Context, id api.FlowID, version string,
) (*api.Flow, error) {
	if version == "" {
		return r.Latest(ctx, id)
	}
	data, err := r.client.Get(ctx, r.flowKey(id, version)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf(
				"%w: flow %s@%s", store.ErrNotFound, id, version)
		}
		return nil, err
	}
	return unmarshal[api.Flow](data)
}

func (r *FlowRegistry) Latest(
	ctx context.Context, id api.FlowID,
) (*api.Flow, error) {
	versions, err := r.Versions(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: flow %s", store.ErrNotFound, id)
	}
	return r.Get(ctx, id, versions[len(versions)-1])
}

func (r *FlowRegistry) Versions(
	ctx context.Context, id api.FlowID,
) ([]string, error) {
	versions, err := r.client.SMembers(ctx, r.versionsKey(id)).Result()
	if err != nil {
		return nil, err
	}
	slices.SortFunc(versions, api.CompareVersions)
	return versions, nil
}
