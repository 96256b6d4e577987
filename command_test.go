package stoat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandBase(t *testing.T) {
	c := CommandBase{
		CommandID:     "cmd-1",
		CorrelationID: "corr-1",
		CausationID:   "cause-1",
		Metadata:      map[string]string{"tenant": "acme"},
	}

	assert.Equal(t, "cmd-1", c.GetCommandID())
	assert.Equal(t, "corr-1", c.GetCorrelationID())
	assert.Equal(t, "cause-1", c.GetCausationID())
	assert.Equal(t, "acme", c.GetMetadata("tenant"))
	assert.Empty(t, c.GetMetadata("missing"))
	assert.Empty(t, CommandBase{}.GetMetadata("tenant"))
}

func TestCommandResult(t *testing.T) {
	ok := NewSuccessResult("acc-1", 3)
	assert.True(t, ok.IsSuccess())
	assert.False(t, ok.IsError())
	assert.Equal(t, int64(3), ok.Version)

	failed := NewErrorResult(errors.New("boom"))
	assert.False(t, failed.IsSuccess())
	assert.True(t, failed.IsError())

	// A success flag does not hide an error.
	mixed := CommandResult{Success: true, Error: errors.New("late")}
	assert.False(t, mixed.IsSuccess())
	assert.True(t, mixed.IsError())
}

func TestResultError(t *testing.T) {
	boom := errors.New("boom")

	assert.NoError(t, resultError(NewSuccessResult("a", 1), nil))
	assert.Equal(t, boom, resultError(CommandResult{}, boom))
	assert.Equal(t, boom, resultError(NewErrorResult(boom), nil))
	assert.EqualError(t, resultError(CommandResult{}, nil), "stoat: command failed without error")
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("OpenAccount", "Owner", "required")
	assert.Equal(t, `stoat: validation failed for command "OpenAccount" field "Owner": required`, err.Error())
	assert.ErrorIs(t, err, ErrValidationFailed)

	noField := &ValidationError{CommandType: "OpenAccount", Message: "closed", Cause: ErrAggregateNotFound}
	assert.Equal(t, `stoat: validation failed for command "OpenAccount": closed`, noField.Error())
	assert.ErrorIs(t, noField, ErrAggregateNotFound)
}

func TestMultiValidationError(t *testing.T) {
	v := NewMultiValidationError("Transfer")
	require.NoError(t, v.ErrOrNil())

	v.AddField("From", "required")
	v.AddField("Amount", "must be positive")

	err := v.ErrOrNil()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Equal(t, `stoat: validation failed for command "Transfer": 2 error(s)`, err.Error())
	require.Len(t, v.Errors, 2)
	assert.Equal(t, "Amount", v.Errors[1].Field)
	assert.Equal(t, "Transfer", v.Errors[1].CommandType)
}

func TestValidatorFunc(t *testing.T) {
	var seen Command
	f := ValidatorFunc(func(cmd Command) error {
		seen = cmd
		return NewValidationError(cmd.CommandType(), "", "rejected")
	})

	cmd := openAccount{AccountID: "acc-1", Owner: "ada"}
	assert.ErrorIs(t, f.Validate(cmd), ErrValidationFailed)
	assert.Equal(t, cmd, seen)
}
