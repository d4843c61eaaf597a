package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrNotLoaded       = errors.New("pipeline template not loaded")
	ErrPipelineActive  = errors.New("pipeline is already active")
	ErrInvalidTemplate = errors.New("invalid pipeline template")
)

// TemplateLoadError is returned when either half of a template pair is missing or invalid
type TemplateLoadError struct {
	Name string
	File string
	Err  error
}

func (e *TemplateLoadError) Error() string {
	return fmt.Sprintf("failed to load pipeline template %s (%s): %v", e.Name, e.File, e.Err)
}

func (e *TemplateLoadError) Unwrap() error { return e.Err }

// InvokeError reports which lifecycle step failed on the analytics module
type InvokeError struct {
	Step string
	Err  error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("pipeline step %s failed: %v", e.Step, e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }
