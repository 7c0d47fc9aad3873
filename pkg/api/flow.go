package api

import (
	"errors"
	"fmt"
)

type (
	// FlowID identifies a flow template
	FlowID string

	// StepID identifies a step within a flow
	StepID string

	// Flow is an immutable workflow template identified by (ID, Version).
	// It describes a directed graph of steps connected by outcome-keyed
	// transitions, plus optional data-store pipes
	Flow struct {
		Steps         map[StepID]*Step `json:"steps"`
		ID            FlowID           `json:"id"`
		Version       string           `json:"version"`
		InitialStepID StepID           `json:"initialStepId"`
		Pipes         []*Pipe          `json:"pipes,omitempty"`
	}
)

var (
	ErrFlowIDEmpty          = errors.New("flow ID empty")
	ErrFlowVersionEmpty     = errors.New("flow version empty")
	ErrFlowNoSteps          = errors.New("flow has no steps")
	ErrInitialStepMissing   = errors.New("initial step not found in flow")
	ErrTransitionTargetMiss = errors.New("transition target not found in flow")
	ErrStepIDMismatch       = errors.New("step ID does not match its map key")
	ErrDuplicatePipeID      = errors.New("duplicate pipe ID")
	ErrPipeStepMissing      = errors.New("pipe references unknown step")
)

// Validate checks the structural integrity of the flow graph: the initial
// step exists, every declared transition targets an existing step, and pipe
// step references resolve. Handler types and table linkage are checked at
// registration, where the registries are available
func (f *Flow) Validate() error {
	if f.ID == "" {
		return ErrFlowIDEmpty
	}
	if f.Version == "" {
		return ErrFlowVersionEmpty
	}
	if len(f.Steps) == 0 {
		return ErrFlowNoSteps
	}
	if _, ok := f.Steps[f.InitialStepID]; !ok {
		return fmt.Errorf("%w: %s", ErrInitialStepMissing, f.InitialStepID)
	}

	for id, step := range f.Steps {
		if step.ID == "" {
			step.ID = id
		} else if step.ID != id {
			return fmt.Errorf("%w: %s vs %s", ErrStepIDMismatch, step.ID, id)
		}
		if err := step.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", id, err)
		}
		for on, target := range step.Transitions {
			if target == nil {
				continue
			}
			if _, ok := f.Steps[*target]; !ok {
				return fmt.Errorf("%w: %s.%s -> %s",
					ErrTransitionTargetMiss, id, on, *target)
			}
		}
	}

	seen := map[string]bool{}
	for _, pipe := range f.Pipes {
		if err := pipe.Validate(); err != nil {
			return err
		}
		if seen[pipe.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicatePipeID, pipe.ID)
		}
		seen[pipe.ID] = true
		if _, ok := f.Steps[pipe.StepID]; !ok {
			return fmt.Errorf("%w: %s", ErrPipeStepMissing, pipe.StepID)
		}
	}
	return nil
}

// GetStep returns the step with the given ID, or nil when absent
func (f *Flow) GetStep(id StepID) *Step {
	return f.Steps[id]
}

// PipesFor returns the pipes declared for the given step
func (f *Flow) PipesFor(id StepID) []*Pipe {
	var res []*Pipe
	for _, pipe := range f.Pipes {
		if pipe.StepID == id {
			res = append(res, pipe)
		}
	}
	return res
}
