package stage

import "errors"

var (
	ErrInvalidPipeline = errors.New("invalid pipeline")
	ErrInvalidStep     = errors.New("invalid step")
	ErrInvalidCopy     = errors.New("invalid copy")
	ErrUnknownStage    = errors.New("unknown stage")
	ErrDuplicateStage  = errors.New("duplicate stage")
	ErrCycle           = errors.New("stage dependency cycle")
	ErrNoFinalStage    = errors.New("pipeline has no final stage")
)
