package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the stage of the controller it came from.
type Kind int

const (
	// KindConfiguration marks invalid or inconsistent static configuration.
	KindConfiguration Kind = iota + 1
	// KindProvisioning marks a failed rule install or meter rate call.
	KindProvisioning
	// KindFabricCommunication marks a failed register read/write in the loop.
	KindFabricCommunication
	// KindResource marks a history log that cannot be opened or appended.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindProvisioning:
		return "ProvisioningError"
	case KindFabricCommunication:
		return "FabricCommunicationError"
	case KindResource:
		return "ResourceError"
	default:
		return "Error"
	}
}

// ControlError is the error type surfaced to the process boundary. Op names
// the failing operation and Target the switch, table, register or file.
type ControlError struct {
	Kind       Kind
	Op         string
	Target     string
	Details    []string
	underlying error
}

func (e *ControlError) Error() string {
	msg := e.Kind.String() + ": " + e.Op
	if e.Target != "" {
		msg += " " + e.Target
	}
	if len(e.Details) == 1 {
		msg += ": " + e.Details[0]
	} else if len(e.Details) > 1 {
		msg += fmt.Sprintf(": %d problems", len(e.Details))
		for _, d := range e.Details {
			msg += "\n  - " + d
		}
	}
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", msg, e.underlying)
	}
	return msg
}

func (e *ControlError) Unwrap() error {
	return e.underlying
}

// New creates a ControlError without an underlying cause.
func New(kind Kind, op, target string) *ControlError {
	return &ControlError{Kind: kind, Op: op, Target: target}
}

// Wrap wraps err with the given classification.
func Wrap(err error, kind Kind, op, target string) *ControlError {
	return &ControlError{Kind: kind, Op: op, Target: target, underlying: err}
}

// WithDetails returns a copy of e carrying the given detail lines.
func (e *ControlError) WithDetails(details ...string) *ControlError {
	return &ControlError{
		Kind:       e.Kind,
		Op:         e.Op,
		Target:     e.Target,
		Details:    append(append([]string(nil), e.Details...), details...),
		underlying: e.underlying,
	}
}

// Configuration reports invalid static configuration. Every violation found
// is carried as a detail line.
func Configuration(op string, violations ...string) *ControlError {
	return &ControlError{Kind: KindConfiguration, Op: op, Details: violations}
}

// Provisioning wraps a failed install against the switch fabric.
func Provisioning(err error, op, target string) *ControlError {
	return Wrap(err, KindProvisioning, op, target)
}

// Fabric wraps a failed register access in the control loop.
func Fabric(err error, op, target string) *ControlError {
	return Wrap(err, KindFabricCommunication, op, target)
}

// Resource wraps a history log failure.
func Resource(err error, op, target string) *ControlError {
	return Wrap(err, KindResource, op, target)
}

// AsControlError returns the first ControlError in err's chain.
func AsControlError(err error) (*ControlError, bool) {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsKind reports whether err carries a ControlError of the given kind.
func IsKind(err error, kind Kind) bool {
	ce, ok := AsControlError(err)
	return ok && ce.Kind == kind
}

// ExitCode maps an error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	ce, ok := AsControlError(err)
	if !ok {
		return 1
	}
	switch ce.Kind {
	case KindConfiguration:
		return 2
	case KindProvisioning:
		return 3
	case KindFabricCommunication:
		return 4
	case KindResource:
		return 5
	default:
		return 1
	}
}
