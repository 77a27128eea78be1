package domain

import "fmt"

// SecurityError reports identity verification failure, an invalid message
// signature, or an unsupported DID format. Fatal for the routing of the
// specific message that triggered it.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security error: %s", e.Reason)
}

// RoutingError reports an unknown sender/receiver, incompatible interaction
// modes, or a protocol validation failure. No reply is synthesized by the
// hub for this class; route_message simply returns false to its caller.
type RoutingError struct {
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing error: %s", e.Reason)
}

// CapacityError reports a rate-limit breach. Surfaced via a cooldown
// message and cooldown callback, never as a propagated exception.
type CapacityError struct {
	Reason string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity error: %s", e.Reason)
}

// ValidationError reports a programmer error: a missing hub binding, a
// missing private key for signing, a duplicate registration. Callers must
// treat these as bugs, not routine failures.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}
