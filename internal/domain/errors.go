package domain

import "errors"

var (
	// ErrConfig is returned for explicit out-of-range lobby configuration.
	ErrConfig = errors.New("invalid lobby configuration")
	// ErrLobbyNotFound is returned when no session exists for a lobby id.
	ErrLobbyNotFound = errors.New("lobby not found")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrUnauthorized indicates a role/direction mismatch or a non-host
	// issuing a host-only event.
	ErrUnauthorized = errors.New("event not permitted for role")
	// ErrInvalidTransition indicates an event illegal in the current phase.
	ErrInvalidTransition = errors.New("event not allowed in current phase")
	// ErrLobbyFull indicates a join over capacity.
	ErrLobbyFull = errors.New("lobby is full")
	// ErrDuplicateAnswer indicates a repeat submission; the first one stands.
	ErrDuplicateAnswer = errors.New("answer already recorded for question")
	// ErrLateAnswer indicates a submission after the question closed.
	ErrLateAnswer = errors.New("answer arrived after question closed")
	// ErrChoiceOutOfRange indicates a choice index the question does not have.
	ErrChoiceOutOfRange = errors.New("choice index out of range")
)
