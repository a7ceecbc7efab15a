package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Normalized device errors.
var (
	ErrFault       = errors.New("FAULT")
	ErrTimeout     = errors.New("TIMEOUT")
	ErrUnavailable = errors.New("UNAVAILABLE")
	ErrInternal    = errors.New("INTERNAL")
)

// TokenMap lists the transport error tokens that map to each normalized code.
type TokenMap struct {
	Fault       []string
	Timeout     []string
	Unavailable []string
}

// TransportErrorTokens holds the mapping tables per transport. Unknown
// transports fall back to "generic"; unknown tokens map to ErrInternal.
var TransportErrorTokens = map[string]TokenMap{
	"generic": {
		Fault: []string{
			"FAULT",
			"WATCHDOG",
			"LATCHED",
			"OVERTEMP",
			"OVERCURRENT",
			"UNDERVOLTAGE",
		},
		Timeout: []string{
			"TIMEOUT",
			"TIMED OUT",
			"DEADLINE",
		},
		Unavailable: []string{
			"UNAVAILABLE",
			"NO RESPONSE",
			"NO_RESPONSE",
			"DISCONNECTED",
			"OFFLINE",
			"NOT_READY",
		},
	},
}

// Error wraps a transport error with the controller it came from and the
// normalized code. errors.Is(err, ErrFault) and friends work through Unwrap.
type Error struct {
	Controller ControllerID
	Code       error
	Original   error
}

func (e *Error) Error() string {
	if e.Original == nil || e.Original == e.Code {
		return fmt.Sprintf("controller %d: %v", e.Controller, e.Code)
	}
	return fmt.Sprintf("controller %d: %v (transport: %v)", e.Controller, e.Code, e.Original)
}

func (e *Error) Unwrap() error {
	return e.Code
}

// Normalize maps err onto one of the normalized codes using the generic table.
func Normalize(id ControllerID, err error) error {
	return NormalizeWithTransport(id, err, "generic")
}

// NormalizeWithTransport maps err using the token table of the named transport.
func NormalizeWithTransport(id ControllerID, err error, transport string) error {
	if err == nil {
		return nil
	}

	var devErr *Error
	if errors.As(err, &devErr) {
		return devErr
	}

	return &Error{
		Controller: id,
		Code:       classify(err, transport),
		Original:   err,
	}
}

func classify(err error, transport string) error {
	switch {
	case errors.Is(err, ErrFault):
		return ErrFault
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.Canceled):
		return ErrUnavailable
	case errors.Is(err, ErrInternal):
		return ErrInternal
	}

	tokens, ok := TransportErrorTokens[transport]
	if !ok {
		tokens = TransportErrorTokens["generic"]
	}

	msg := strings.ToUpper(err.Error())
	for _, token := range tokens.Fault {
		if strings.Contains(msg, token) {
			return ErrFault
		}
	}
	for _, token := range tokens.Timeout {
		if strings.Contains(msg, token) {
			return ErrTimeout
		}
	}
	for _, token := range tokens.Unavailable {
		if strings.Contains(msg, token) {
			return ErrUnavailable
		}
	}
	return ErrInternal
}

// Code returns the short name of the normalized code carried by err, or ""
// when err is nil.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFault):
		return ErrFault.Error()
	case errors.Is(err, ErrTimeout):
		return ErrTimeout.Error()
	case errors.Is(err, ErrUnavailable):
		return ErrUnavailable.Error()
	default:
		return ErrInternal.Error()
	}
}
