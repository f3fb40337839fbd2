package fleet

import "errors"

// Sentinel errors for the fleet data-access layer.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrClaimDenied       = errors.New("post already claimed")
	ErrDuplicateOutcome  = errors.New("outcome already attributed for action")
	ErrNoEligibleTarget  = errors.New("no eligible target")
)
