package api

import (
	"errors"
	"fmt"
)

type (
	// SelectorType discriminates the input selector variants
	SelectorType string

	// Selector derives a step's input from the execution context. Exactly
	// one variant applies, chosen by Type
	Selector struct {
		Value    any          `json:"value,omitempty"`
		Type     SelectorType `json:"type"`
		Key      string       `json:"key,omitempty"`
		Path     string       `json:"path,omitempty"`
		Template string       `json:"template,omitempty"`
		Keys     []string     `json:"keys,omitempty"`
		Optional bool         `json:"optional,omitempty"`
	}
)

const (
	SelectKey      SelectorType = "key"
	SelectKeys     SelectorType = "keys"
	SelectPath     SelectorType = "path"
	SelectTemplate SelectorType = "template"
	SelectFull     SelectorType = "full"
	SelectStatic   SelectorType = "static"
)

var (
	ErrSelectorTypeInvalid   = errors.New("invalid selector type")
	ErrSelectorKeyEmpty      = errors.New("key selector requires a key")
	ErrSelectorKeysEmpty     = errors.New("keys selector requires keys")
	ErrSelectorPathEmpty     = errors.New("path selector requires a path")
	ErrSelectorTemplateEmpty = errors.New(
		"template selector requires a template",
	)
)

var validSelectorTypes = map[SelectorType]bool{
	SelectKey:      true,
	SelectKeys:     true,
	SelectPath:     true,
	SelectTemplate: true,
	SelectFull:     true,
	SelectStatic:   true,
}

// Validate checks that the selector names a known variant and carries the
// fields that variant requires
func (s *Selector) Validate() error {
	if !validSelectorTypes[s.Type] {
		return fmt.Errorf("%w: %s", ErrSelectorTypeInvalid, s.Type)
	}
	switch s.Type {
	case SelectKey:
		if s.Key == "" {
			return ErrSelectorKeyEmpty
		}
	case SelectKeys:
		if len(s.Keys) == 0 {
			return ErrSelectorKeysEmpty
		}
	case SelectPath:
		if s.Path == "" {
			return ErrSelectorPathEmpty
		}
	case SelectTemplate:
		if s.Template == "" {
			return ErrSelectorTemplateEmpty
		}
	}
	return nil
}

// FullSelector returns the selector that yields the entire context. Steps
// without a declared input selector default to this
func FullSelector() *Selector {
	return &Selector{Type: SelectFull}
}
