package api

import (
	"errors"
	"fmt"
)

type (
	// PipeOn selects which step outcomes trigger a pipe
	PipeOn string

	// Pipe declares a fire-and-forget route from a step's output into a
	// user-defined table. Pipe evaluation never fails the step
	Pipe struct {
		StaticValues map[string]any `json:"staticValues,omitempty"`
		ID           string         `json:"id"`
		StepID       StepID         `json:"stepId"`
		On           PipeOn         `json:"on"`
		TableID      string         `json:"tableId"`
		Mappings     []*PipeMapping `json:"mappings"`
	}

	// PipeMapping copies one value from the step output into a column
	PipeMapping struct {
		SourcePath string `json:"sourcePath"`
		ColumnID   string `json:"columnId"`
	}
)

const (
	PipeOnSuccess PipeOn = "success"
	PipeOnFailure PipeOn = "failure"
	PipeOnAlways  PipeOn = "always"
)

var (
	ErrPipeIDEmpty        = errors.New("pipe ID empty")
	ErrPipeTableEmpty     = errors.New("pipe table ID empty")
	ErrPipeOnInvalid      = errors.New("invalid pipe trigger")
	ErrPipeMappingInvalid = errors.New("pipe mapping requires source and column")
)

var validPipeOn = map[PipeOn]bool{
	PipeOnSuccess: true,
	PipeOnFailure: true,
	PipeOnAlways:  true,
}

// Validate checks the pipe declaration in isolation. Table and column
// linkage is verified at flow registration against the table registry
func (p *Pipe) Validate() error {
	if p.ID == "" {
		return ErrPipeIDEmpty
	}
	if p.TableID == "" {
		return fmt.Errorf("%w: %s", ErrPipeTableEmpty, p.ID)
	}
	if !validPipeOn[p.On] {
		return fmt.Errorf("%w: %s", ErrPipeOnInvalid, p.On)
	}
	for _, m := range p.Mappings {
		if m.SourcePath == "" || m.ColumnID == "" {
			return fmt.Errorf("%w: pipe %s", ErrPipeMappingInvalid, p.ID)
		}
	}
	return nil
}

// Matches reports whether the pipe fires for the given outcome
func (p *Pipe) Matches(outcome Outcome) bool {
	switch p.On {
	case PipeOnAlways:
		return outcome == OutcomeSuccess || outcome == OutcomeFailure
	case PipeOnSuccess:
		return outcome == OutcomeSuccess
	case PipeOnFailure:
		return outcome == OutcomeFailure
	default:
		return false
	}
}
