package domain

import "errors"

var UnexpectedDatabaseError = errors.New("database-error")

var (
	ErrRoomNotFound    = errors.New("room-not-found")
	ErrPlayerNotFound  = errors.New("player-not-found")
	ErrMissionNotFound = errors.New("mission-not-found")
	ErrGameNotStarted  = errors.New("game-not-started")
	ErrGameStopped     = errors.New("game-stopped")
)

// Phase coordination errors.
var (
	// ErrAssignmentExists marks a benign race loss: another caller committed
	// the assignment first. Callers treat it as success-by-other.
	ErrAssignmentExists     = errors.New("assignment-exists")
	ErrInsufficientPool     = errors.New("insufficient-mission-pool")
	ErrIncompleteAssignment = errors.New("incomplete-assignment")
)

// Validation errors.
var (
	ErrInvalidTransition       = errors.New("invalid-transition")
	ErrNotCreator              = errors.New("not-creator")
	ErrEventNotFound           = errors.New("event-not-found")
	ErrEventNotAppeared        = errors.New("event-not-appeared")
	ErrEventAlreadyDecided     = errors.New("event-already-decided")
	ErrCorruptValidationStatus = errors.New("corrupt-validation-status")
)
