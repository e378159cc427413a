package core

import (
	"errors"
	"fmt"
)

var (
	ErrEmptySpec    = errors.New("filter list is empty")
	ErrRunnerClosed = errors.New("runner is closed")
)

// DecodeError reports an artifact that could not be read or interpreted as
// an image when a stage tried to load it.
type DecodeError struct {
	Stage  int
	Filter string
	Path   string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("stage %d (%s): decode %s: %v", e.Stage, e.Filter, e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ProcessingError reports a failure while transforming or writing a stage.
type ProcessingError struct {
	Stage  int
	Filter string
	Err    error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Stage, e.Filter, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// UnknownFilterWarning is attached to a result when a stage named a filter
// that does not exist. The stage passed its input through unchanged.
type UnknownFilterWarning struct {
	Stage  int    `json:"stage"`
	Filter string `json:"filter"`
}

func (w UnknownFilterWarning) Error() string {
	return fmt.Sprintf("unknown filter %q at stage %d passed through unchanged", w.Filter, w.Stage)
}
