package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/log"
)

// runPipes evaluates the step's pipes whose trigger matches the outcome
// and inserts a row per pipe. Pipe processing never fails the step; a
// failed insert lands in the write-ahead log for replay
func (e *Engine) runPipes(
	ctx context.Context, st *tickState, step *api.Step,
	outcome api.Outcome, output any,
) {
	if st.flow == nil || e.deps.Tables == nil {
		return
	}
	for _, pipe := range st.flow.PipesFor(step.ID) {
		if !pipe.Matches(outcome) {
			continue
		}
		e.runPipe(ctx, st, pipe, output)
	}
}

func (e *Engine) runPipe(
	ctx context.Context, st *tickState, pipe *api.Pipe, output any,
) {
	exec := st.exec
	row := buildRow(pipe, output)

	if _, err := e.deps.Tables.Insert(ctx, pipe.TableID, row); err != nil {
		entry := &api.WALEntry{
			ID:          uuid.NewString(),
			TableID:     pipe.TableID,
			TenantID:    exec.TenantID,
			Data:        row,
			PipeID:      pipe.ID,
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      pipe.StepID,
			Error:       err.Error(),
			Attempts:    1,
			CreatedAt:   e.clock.Now(),
		}
		if walErr := e.deps.WAL.Append(ctx, entry); walErr != nil {
			slog.Error("WAL append failed",
				log.ExecutionID(exec.ID), log.Error(walErr))
		}
		st.events = append(st.events, &api.Event{
			Type:        api.EventPipeFailed,
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      pipe.StepID,
			PipeID:      pipe.ID,
			TableID:     pipe.TableID,
			WALEntryID:  entry.ID,
			Error:       api.NewError(api.CodeInternal, err.Error()),
		})
		return
	}

	st.events = append(st.events, &api.Event{
		Type:        api.EventPipeInserted,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		StepID:      pipe.StepID,
		PipeID:      pipe.ID,
		TableID:     pipe.TableID,
	})
}

// buildRow shapes a table row from the step output: declared mappings
// pull dot paths out of the output, then static values fill in the rest
func buildRow(pipe *api.Pipe, output any) api.Row {
	row := api.Row{}
	data, err := json.Marshal(output)
	if err == nil {
		for _, m := range pipe.Mappings {
			res := gjson.GetBytes(data, m.SourcePath)
			if res.Exists() {
				row[m.ColumnID] = res.Value()
			}
		}
	}
	for columnID, value := range pipe.StaticValues {
		if _, ok := row[columnID]; !ok {
			row[columnID] = value
		}
	}
	return row
}
