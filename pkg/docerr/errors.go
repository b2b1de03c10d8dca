// ABOUTME: Error kinds reported by document operations
// ABOUTME: Sentinels are wrapped with %w so callers can match with errors.Is

package docerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOperation marks a malformed or semantically invalid action.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrEncoding marks a snapshot, diff or JSON encoding failure.
	ErrEncoding = errors.New("encoding error")

	// ErrDecodeUpdate marks an inbound binary update that cannot be parsed.
	ErrDecodeUpdate = errors.New("failed to decode update")
)

// InvalidOperation returns an error matching ErrInvalidOperation.
func InvalidOperation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

// Encoding wraps err so it matches ErrEncoding.
func Encoding(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrEncoding, err)
}

// DecodeUpdate wraps err so it matches ErrDecodeUpdate.
func DecodeUpdate(err error) error {
	return fmt.Errorf("%w: %w", ErrDecodeUpdate, err)
}

// Kind names the error kind of err, or "internal" when it matches none.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, ErrDecodeUpdate):
		return "decode_update"
	case errors.Is(err, ErrEncoding):
		return "encoding"
	default:
		return "internal"
	}
}
