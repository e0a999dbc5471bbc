// Package compose checks the compose project before a deployment starts.
// This is part of the Functional Core - all functions are pure with no I/O.
package compose

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput       = errors.New("compose file is empty")
	ErrNoComposeFile    = errors.New("no compose file found")
	ErrInvalidProjectID = errors.New("project name must contain a lowercase letter or digit")

	// YAML parsing errors
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// Compose structure errors
	ErrNoServices         = errors.New("compose file must define at least one service")
	ErrServiceNoImage     = errors.New("service must have image or build")
	ErrCircularDependency = errors.New("circular dependency detected")
	ErrInvalidCompose     = errors.New("invalid compose file")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	File    string // e.g., "compose.yaml"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(file, message string, err error) *ParseError {
	return &ParseError{
		File:    file,
		Message: message,
		Err:     err,
	}
}
