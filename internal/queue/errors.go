package queue

import "errors"

var (
	// ErrInvalidRecipient is returned by Enqueue for malformed addresses. Nothing is written.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrInvalidMessage is returned by Enqueue for malformed headers or attachments
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotFound is returned when no item has the requested id
	ErrNotFound = errors.New("queue item not found")
	// ErrIllegalTransition is returned when a conditional update matched no row
	// because the item is not in the expected source state.
	ErrIllegalTransition = errors.New("illegal queue state transition")
	// ErrStoreClosed is returned after Close
	ErrStoreClosed = errors.New("queue store closed")
)
