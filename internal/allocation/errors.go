// ABOUTME: Error kinds returned by the allocation engine
// ABOUTME: Callers match them with errors.Is; transports map them to status codes

package allocation

import "errors"

var (
	ErrNotFound                 = errors.New("not found")
	ErrPermissionDenied         = errors.New("permission denied")
	ErrTenantMismatch           = errors.New("tenant mismatch")
	ErrOperatorUnavailable      = errors.New("operator unavailable")
	ErrConversationNotQueued    = errors.New("conversation not queued")
	ErrConversationNotAllocated = errors.New("conversation not allocated")
	ErrInvalidStateForReassign  = errors.New("invalid state for reassign")
	ErrNoWorkAvailable          = errors.New("no work available")
	ErrInvalidStatus            = errors.New("invalid operator status")
	ErrInvalidWeights           = errors.New("invalid priority weights")
)
