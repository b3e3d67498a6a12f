package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for capacity exhaustion. They are expected outcomes
// and should be surfaced to the requester as "try again later".
var (
	ErrGlobalLimit = errors.New("global session limit exceeded")
	ErrOwnerLimit  = errors.New("per-owner session limit exceeded")
)

// Limit names which ceiling rejected an admission.
type Limit string

const (
	LimitGlobal Limit = "global"
	LimitOwner  Limit = "owner"
)

// AdmissionError reports a rejected admission. It matches
// [ErrGlobalLimit] or [ErrOwnerLimit] under [errors.Is].
type AdmissionError struct {
	Limit   Limit
	OwnerID string
	Active  int // sessions counted against the limit at rejection time
	Max     int
}

func (e *AdmissionError) Error() string {
	if e.Limit == LimitOwner {
		return fmt.Sprintf("owner %s has %d of %d sessions: %v", e.OwnerID, e.Active, e.Max, ErrOwnerLimit)
	}
	return fmt.Sprintf("%d of %d sessions active: %v", e.Active, e.Max, ErrGlobalLimit)
}

// Is reports whether target is the sentinel for e's limit.
func (e *AdmissionError) Is(target error) bool {
	switch target {
	case ErrGlobalLimit:
		return e.Limit == LimitGlobal
	case ErrOwnerLimit:
		return e.Limit == LimitOwner
	}
	return false
}
