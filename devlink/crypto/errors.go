package crypto

import "errors"

// SecurityError reports an authentication or framing integrity failure.
// The message it belongs to must be dropped.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string { return "crypto: security error: " + e.Reason }

var (
	ErrMissingHMAC    = &SecurityError{Reason: "missing or malformed hmac"}
	ErrInvalidHMAC    = &SecurityError{Reason: "invalid hmac"}
	ErrLengthMismatch = &SecurityError{Reason: "length mismatch"}
)

var (
	ErrInvalidKeyMaterial = errors.New("crypto: key material must be at least 64 bytes")
	ErrUndecryptable      = errors.New("crypto: undecryptable message")
	ErrMessageTooLarge    = errors.New("crypto: message too large for envelope")
)

// IsSecurityError reports whether err is, or wraps, a *SecurityError.
func IsSecurityError(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}
