package model

import "errors"

// Sentinel errors for the taxonomy in spec section 7. All are non-fatal
// unless documented otherwise at the call site; the projection loop must
// never panic on an individual event.
var (
	ErrInvalidSourceEvent   = errors.New("invalid source event")
	ErrMissingEventTime     = errors.New("missing event time")
	ErrSourceInadmissible   = errors.New("source inadmissible")
	ErrSourceRankSuppressed = errors.New("source rank suppressed")
	ErrLateEvent            = errors.New("late event")
	ErrBindingConflict      = errors.New("binding conflict")
	ErrSignatureInconclusive = errors.New("signature inconclusive")
	ErrSignatureGuardRejected = errors.New("signature guard rejected")
	ErrInvalidCursor        = errors.New("invalid cursor")
	ErrProtocolError        = errors.New("protocol error")
	ErrSubprocessExit       = errors.New("subprocess exit")
)
