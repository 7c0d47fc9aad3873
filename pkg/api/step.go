package api

import (
	"errors"
	"fmt"
)

type (
	// HandlerType names the registered handler that implements a step
	HandlerType string

	// TransitionOn keys a step's outcome-routing table
	TransitionOn string

	// Transitions maps an outcome kind to a target step. A key that is
	// present with a nil target is the terminal sentinel: the execution
	// completes when that outcome is taken. An absent key means the
	// outcome has no declared route
	Transitions map[TransitionOn]*StepID

	// Metadata is free-form annotation data carried by executions and
	// resume tokens
	Metadata map[string]any

	// Step is a node in a flow graph, bound to a handler type and its
	// configuration
	Step struct {
		Config      map[string]any `json:"config,omitempty"`
		Transitions Transitions    `json:"transitions"`
		Input       *Selector      `json:"input,omitempty"`
		ID          StepID         `json:"id"`
		Type        HandlerType    `json:"type"`
		OutputKey   string         `json:"outputKey,omitempty"`
	}
)

const (
	TransitionSuccess TransitionOn = "onSuccess"
	TransitionFailure TransitionOn = "onFailure"
	TransitionResume  TransitionOn = "onResume"
)

var (
	ErrStepIDEmpty        = errors.New("step ID empty")
	ErrStepTypeEmpty      = errors.New("step type empty")
	ErrInvalidTransition  = errors.New("invalid transition kind")
	ErrMissingTransitions = errors.New("step declares no transitions")
)

var validTransitions = map[TransitionOn]bool{
	TransitionSuccess: true,
	TransitionFailure: true,
	TransitionResume:  true,
}

// Validate checks that the step is well-formed. Transition targets are
// resolved against the enclosing flow by Flow.Validate
func (s *Step) Validate() error {
	if s.ID == "" {
		return ErrStepIDEmpty
	}
	if s.Type == "" {
		return ErrStepTypeEmpty
	}
	if len(s.Transitions) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingTransitions, s.ID)
	}
	for on := range s.Transitions {
		if !validTransitions[on] {
			return fmt.Errorf("%w: %s", ErrInvalidTransition, on)
		}
	}
	if s.Input != nil {
		if err := s.Input.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Target returns the declared target for the given outcome kind. The second
// return reports whether the outcome was declared at all; a true result
// with a nil target is the terminal sentinel
func (s *Step) Target(on TransitionOn) (*StepID, bool) {
	target, ok := s.Transitions[on]
	return target, ok
}
