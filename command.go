package stoat

import (
	"fmt"
)

// Command represents an intent to change state in the system.
type Command interface {
	// CommandType returns the type identifier for this command (e.g., "OpenAccount").
	CommandType() string

	// Validate checks if the command is valid.
	// Returns nil if valid, or an error describing validation failures.
	Validate() error
}

// AggregateCommand is a command that targets a specific aggregate.
type AggregateCommand interface {
	Command

	// AggregateID returns the ID of the aggregate this command targets.
	// Returns empty string for commands that create new aggregates.
	AggregateID() string
}

// CommandBase carries the identifiers shared by most commands.
// Embed it in command types.
type CommandBase struct {
	CommandID     string            `json:"commandId,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	CausationID   string            `json:"causationId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// GetCommandID returns the command ID.
func (c CommandBase) GetCommandID() string {
	return c.CommandID
}

// GetCorrelationID returns the correlation ID.
func (c CommandBase) GetCorrelationID() string {
	return c.CorrelationID
}

// GetCausationID returns the causation ID.
func (c CommandBase) GetCausationID() string {
	return c.CausationID
}

// GetMetadata returns the value for a metadata key, or empty string if not found.
func (c CommandBase) GetMetadata(key string) string {
	return c.Metadata[key]
}

// CommandResult represents the result of command execution.
type CommandResult struct {
	// Success indicates whether the command executed successfully.
	Success bool

	// AggregateID is the ID of the aggregate affected by the command.
	AggregateID string

	// Version is the aggregate version after command execution.
	Version int64

	// Events are the events the command committed. The event dispatch
	// middleware publishes them once the transaction has completed.
	Events []DomainEvent

	// Data contains any additional result data.
	Data interface{}

	// Error contains the error if the command failed.
	Error error
}

// NewSuccessResult creates a successful CommandResult.
func NewSuccessResult(aggregateID string, version int64) CommandResult {
	return CommandResult{
		Success:     true,
		AggregateID: aggregateID,
		Version:     version,
	}
}

// NewErrorResult creates a failed CommandResult.
func NewErrorResult(err error) CommandResult {
	return CommandResult{
		Success: false,
		Error:   err,
	}
}

// IsSuccess returns true if the command executed successfully.
func (r CommandResult) IsSuccess() bool {
	return r.Success && r.Error == nil
}

// IsError returns true if the command failed.
func (r CommandResult) IsError() bool {
	return !r.Success || r.Error != nil
}

// resultError returns the failure carried by either the error return or the result.
func resultError(result CommandResult, err error) error {
	if err != nil {
		return err
	}
	if result.IsError() {
		if result.Error != nil {
			return result.Error
		}
		return fmt.Errorf("stoat: command failed without error")
	}
	return nil
}

// Validator provides validation beyond a command's own Validate.
type Validator interface {
	Validate(cmd Command) error
}

// ValidatorFunc is a function that implements Validator.
type ValidatorFunc func(cmd Command) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(cmd Command) error {
	return f(cmd)
}

// ValidationError represents a command validation failure.
type ValidationError struct {
	CommandType string
	Field       string
	Message     string
	Cause       error
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("stoat: validation failed for command %q field %q: %s",
			e.CommandType, e.Field, e.Message)
	}
	return fmt.Sprintf("stoat: validation failed for command %q: %s",
		e.CommandType, e.Message)
}

// Is reports whether this error matches the target error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new ValidationError.
func NewValidationError(cmdType, field, message string) *ValidationError {
	return &ValidationError{
		CommandType: cmdType,
		Field:       field,
		Message:     message,
	}
}

// MultiValidationError collects several field failures for one command.
type MultiValidationError struct {
	CommandType string
	Errors      []*ValidationError
}

// Error returns the error message.
func (e *MultiValidationError) Error() string {
	return fmt.Sprintf("stoat: validation failed for command %q: %d error(s)",
		e.CommandType, len(e.Errors))
}

// Is reports whether this error matches the target error.
func (e *MultiValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// AddField adds a validation error for a specific field.
func (e *MultiValidationError) AddField(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{
		CommandType: e.CommandType,
		Field:       field,
		Message:     message,
	})
}

// ErrOrNil returns e when it holds errors and nil otherwise.
func (e *MultiValidationError) ErrOrNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// NewMultiValidationError creates a new MultiValidationError.
func NewMultiValidationError(cmdType string) *MultiValidationError {
	return &MultiValidationError{CommandType: cmdType}
}
