package stagedsync

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is matched by errors returned from Stage.Execute when
	// the stage found data failing validation. It triggers a rollback.
	ErrInvalidState = errors.New("stage encountered a state validation error")

	// ErrDuplicateStage is returned when two queued stages share an ID.
	ErrDuplicateStage = errors.New("duplicate stage id")

	// ErrNoStages is returned when running a pipeline without stages.
	ErrNoStages = errors.New("pipeline has no stages")
)

// InvalidStateError is returned by a stage that detected invalid data.
type InvalidStateError struct {
	// BadBlock is the invalid block, if known. The pipeline rolls back to
	// the block right before it.
	BadBlock *uint64

	// Err describes the validation failure.
	Err error
}

// NewInvalidStateError returns an error reporting badBlock as invalid.
func NewInvalidStateError(badBlock uint64, err error) *InvalidStateError {
	return &InvalidStateError{BadBlock: &badBlock, Err: err}
}

func (e *InvalidStateError) Error() string {
	var msg string
	if e.BadBlock != nil {
		msg = fmt.Sprintf("%s (bad block %d)", ErrInvalidState, *e.BadBlock)
	} else {
		msg = ErrInvalidState.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidStateError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrInvalidState) hold for every InvalidStateError.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// StageError is an unrecoverable error of a stage. It terminates the run.
type StageError struct {
	// Stage is the failing stage.
	Stage StageID

	// Checkpoint is the stage's checkpoint at the time of the failure.
	Checkpoint uint64

	// Op is the failed operation, e.g. "execute" or "rollback".
	Op string

	Err error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s at checkpoint %d: %s: %v", e.Stage, e.Checkpoint, e.Op, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// asInvalidState reports whether err is a validation failure, and returns it
// as an InvalidStateError (with no bad block if the stage did not name one).
func asInvalidState(err error) (*InvalidStateError, bool) {
	var ise *InvalidStateError
	if errors.As(err, &ise) {
		return ise, true
	}
	if errors.Is(err, ErrInvalidState) {
		return &InvalidStateError{Err: err}, true
	}
	return nil, false
}
