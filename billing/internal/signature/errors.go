package signature

import (
	"errors"
	"fmt"
)

var (
	ErrMissingSignature  = errors.New("signature header is required")
	ErrInvalidHeader     = errors.New("signature header is malformed")
	ErrSignatureMismatch = errors.New("no signature matched the payload")
	ErrTimestampExpired  = errors.New("signature timestamp outside tolerance")
)

// SignatureError reports that the authenticity of a delivery could not be established.
// Cause is one of the sentinel errors above and can be matched with errors.Is.
type SignatureError struct {
	Cause error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook signature rejected: %v", e.Cause)
}

func (e *SignatureError) Unwrap() error {
	return e.Cause
}

// IsSignatureError reports whether err is or wraps a *SignatureError.
func IsSignatureError(err error) bool {
	var sigErr *SignatureError
	return errors.As(err, &sigErr)
}
