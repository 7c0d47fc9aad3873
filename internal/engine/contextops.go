package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowmonkey/engine/pkg/api"
)

// ctxAccessor is the handler-facing view of an execution context. Reads
// resolve offloaded values through the side store; writes land on the
// working copy and persist when the step commits
type ctxAccessor struct {
	engine *Engine
	ctx    context.Context
	execID api.ExecutionID
	data   api.Context
}

func (e *Engine) newAccessor(
	ctx context.Context, execID api.ExecutionID, data api.Context,
) *ctxAccessor {
	return &ctxAccessor{
		engine: e,
		ctx:    ctx,
		execID: execID,
		data:   data,
	}
}

func (a *ctxAccessor) Get(key string) (any, bool) {
	value, ok := a.data[key]
	if !ok {
		return nil, false
	}
	if ref := api.AsRef(value); ref != nil {
		resolved, err := a.engine.derefValue(a.ctx, a.execID, key, ref)
		if err != nil {
			return nil, false
		}
		return resolved, true
	}
	return value, true
}

func (a *ctxAccessor) Set(key string, value any) {
	a.data[key] = value
}

func (a *ctxAccessor) Has(key string) bool {
	_, ok := a.data[key]
	return ok
}

func (a *ctxAccessor) Delete(key string) {
	delete(a.data, key)
}

func (a *ctxAccessor) GetAll() api.Context {
	return a.data.DeepCopy()
}

// derefValue loads an offloaded context value from the side store
func (e *Engine) derefValue(
	ctx context.Context, execID api.ExecutionID, key string,
	ref *api.ValueRef,
) (any, error) {
	if e.deps.ContextStorage == nil {
		return nil, fmt.Errorf("no context storage for ref %s", ref.Ref)
	}
	return e.deps.ContextStorage.Get(ctx, execID, key)
}

// offloadLargeValues moves context values at or above the configured
// threshold into the side store, leaving a ref marker inline. A nil side
// store or zero threshold leaves the context untouched
func (e *Engine) offloadLargeValues(
	ctx context.Context, exec *api.Execution,
) error {
	threshold := e.config.OffloadThreshold
	if e.deps.ContextStorage == nil || threshold <= 0 {
		return nil
	}
	for key, value := range exec.Context {
		if api.AsRef(value) != nil {
			continue
		}
		data, err := json.Marshal(value)
		if err != nil || len(data) < threshold {
			continue
		}
		err = e.deps.ContextStorage.Put(ctx, exec.ID, key, value)
		if err != nil {
			return err
		}
		ref := &api.ValueRef{
			Ref:       string(exec.ID) + "/" + key,
			Size:      len(data),
			Summary:   summarize(data),
			CreatedAt: e.clock.Now(),
		}
		exec.Context[key] = ref.AsMap()
	}
	return nil
}

const summaryLen = 64

func summarize(data []byte) string {
	if len(data) <= summaryLen {
		return string(data)
	}
	return string(data[:summaryLen]) + "..."
}

// validateContext applies the configured caps
func (e *Engine) validateContext(c api.Context) *api.ErrorInfo {
	return c.Validate(api.ContextLimits{
		MaxKeys:  e.config.ContextMaxKeys,
		MaxBytes: e.config.ContextMaxBytes,
		MaxDepth: e.config.ContextMaxDepth,
	})
}
