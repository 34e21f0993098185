package config

import (
	"errors"
	"fmt"
)

var (
	ErrConfigExists  = errors.New("configuration file already exists")
	ErrConfigInvalid = errors.New("configuration invalid")
	ErrConfigRead    = errors.New("configuration unreadable")
)

// A semantic validation failure for one field.
type ValidationError struct {
	Field   string // Dotted path of the field, e.g. "build.engine".
	Message string // What is wrong with it.
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
