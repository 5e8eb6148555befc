package domain

import "fmt"

// InboundStatus is the lifecycle state of an inbound item
type InboundStatus string

const (
	InboundPending    InboundStatus = "pending"
	InboundProcessing InboundStatus = "processing"
	InboundProcessed  InboundStatus = "processed"
	InboundError      InboundStatus = "error"
)

// OutboundStatus is the lifecycle state of an outbound item
type OutboundStatus string

const (
	OutboundPending OutboundStatus = "pending"
	OutboundSending OutboundStatus = "sending"
	OutboundSent    OutboundStatus = "sent"
	OutboundError   OutboundStatus = "error"
)

// pending → processing → processed | error; error → pending on manual retry.
// processing → pending is the requeue path for dead or stopped workers.
var validInboundTransitions = map[InboundStatus]map[InboundStatus]bool{
	InboundPending: {
		InboundProcessing: true,
	},
	InboundProcessing: {
		InboundProcessed: true,
		InboundError:     true,
		InboundPending:   true,
	},
	InboundError: {
		InboundPending: true,
	},
}

// sent is immutable.
var validOutboundTransitions = map[OutboundStatus]map[OutboundStatus]bool{
	OutboundPending: {
		OutboundSending: true,
	},
	OutboundSending: {
		OutboundSent:    true,
		OutboundError:   true,
		OutboundPending: true,
	},
	OutboundError: {
		OutboundPending: true,
	},
}

// Valid reports whether s is a known inbound status
func (s InboundStatus) Valid() bool {
	switch s {
	case InboundPending, InboundProcessing, InboundProcessed, InboundError:
		return true
	}
	return false
}

// Valid reports whether s is a known outbound status
func (s OutboundStatus) Valid() bool {
	switch s {
	case OutboundPending, OutboundSending, OutboundSent, OutboundError:
		return true
	}
	return false
}

// ParseInboundStatus converts a stored string into an InboundStatus
func ParseInboundStatus(s string) (InboundStatus, error) {
	st := InboundStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown inbound status %q", s)
	}
	return st, nil
}

// ParseOutboundStatus converts a stored string into an OutboundStatus
func ParseOutboundStatus(s string) (OutboundStatus, error) {
	st := OutboundStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown outbound status %q", s)
	}
	return st, nil
}

// ValidateInboundTransition rejects status writes the inbound lifecycle does not allow
func ValidateInboundTransition(from, to InboundStatus) error {
	allowed, ok := validInboundTransitions[from]
	if !ok {
		return fmt.Errorf("%w: inbound %q is terminal", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: inbound %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidateOutboundTransition rejects status writes the outbound lifecycle does not allow
func ValidateOutboundTransition(from, to OutboundStatus) error {
	allowed, ok := validOutboundTransitions[from]
	if !ok {
		return fmt.Errorf("%w: outbound %q is terminal", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: outbound %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}
