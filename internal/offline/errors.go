package offline

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnknownOperation   = errors.New("unknown operation type")
	ErrAlreadyInitialized = errors.New("engine already initialized")
	ErrNotInitialized     = errors.New("engine not initialized")
	ErrExerciseNotFound   = errors.New("exercise not found in plan")
)
