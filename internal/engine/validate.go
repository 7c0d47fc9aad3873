package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

var (
	ErrUnknownHandlerType = errors.New("step uses unregistered handler type")
	ErrPipeTableMissing   = errors.New("pipe references unknown table")
	ErrPipeColumnMissing  = errors.New("pipe references unknown column")
	ErrPipeRequiredGap    = errors.New(
		"pipe leaves required column unmapped",
	)
)

// validateFlow checks the flow beyond its structural integrity: every
// step's handler type is registered, and every pipe resolves to a known
// table with all required columns covered by mappings or static values
func (e *Engine) validateFlow(ctx context.Context, flow *api.Flow) error {
	if err := flow.Validate(); err != nil {
		return err
	}

	for id, step := range flow.Steps {
		if _, ok := e.handlers.Get(step.Type); !ok {
			return fmt.Errorf(
				"%w: step %s type %s", ErrUnknownHandlerType, id, step.Type,
			)
		}
	}

	for _, pipe := range flow.Pipes {
		if err := e.validatePipe(ctx, pipe); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) validatePipe(ctx context.Context, pipe *api.Pipe) error {
	if e.deps.TableRegistry == nil {
		return nil
	}
	def, err := e.deps.TableRegistry.Get(ctx, pipe.TableID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf(
				"%w: pipe %s table %s",
				ErrPipeTableMissing, pipe.ID, pipe.TableID,
			)
		}
		return err
	}

	covered := map[string]bool{}
	for _, m := range pipe.Mappings {
		if def.Column(m.ColumnID) == nil {
			return fmt.Errorf(
				"%w: pipe %s column %s",
				ErrPipeColumnMissing, pipe.ID, m.ColumnID,
			)
		}
		covered[m.ColumnID] = true
	}
	for columnID := range pipe.StaticValues {
		if def.Column(columnID) == nil {
			return fmt.Errorf(
				"%w: pipe %s column %s",
				ErrPipeColumnMissing, pipe.ID, columnID,
			)
		}
		covered[columnID] = true
	}

	for _, col := range def.Columns {
		if col.Required && !covered[col.ID] {
			return fmt.Errorf(
				"%w: pipe %s column %s", ErrPipeRequiredGap, pipe.ID, col.ID,
			)
		}
	}
	return nil
}
