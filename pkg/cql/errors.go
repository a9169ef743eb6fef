package cql

import "fmt"

// Server error codes from the ERROR frame.
const (
	ErrCodeServer          int32 = 0x0000
	ErrCodeProtocol        int32 = 0x000A
	ErrCodeCredentials     int32 = 0x0100
	ErrCodeUnavailable     int32 = 0x1000
	ErrCodeOverloaded      int32 = 0x1001
	ErrCodeBootstrapping   int32 = 0x1002
	ErrCodeTruncate        int32 = 0x1003
	ErrCodeWriteTimeout    int32 = 0x1100
	ErrCodeReadTimeout     int32 = 0x1200
	ErrCodeReadFailure     int32 = 0x1300
	ErrCodeFunctionFailure int32 = 0x1400
	ErrCodeWriteFailure    int32 = 0x1500
	ErrCodeSyntax          int32 = 0x2000
	ErrCodeUnauthorized    int32 = 0x2100
	ErrCodeInvalid         int32 = 0x2200
	ErrCodeConfig          int32 = 0x2300
	ErrCodeAlreadyExists   int32 = 0x2400
	ErrCodeUnprepared      int32 = 0x2500
)

// ServerError is a failure reported by a node in an ERROR frame.
type ServerError struct {
	Code    int32
	Message string

	// Consistency, Received and Required are populated for unavailable
	// and timeout errors.
	Consistency Consistency
	Received    int32
	Required    int32

	// DataPresent is populated for read timeouts.
	DataPresent bool

	// WriteType is populated for write timeouts.
	WriteType string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error 0x%04x: %s", e.Code, e.Message)
}

// Recoverable reports whether a retry policy may retry after this error.
// Errors outside this set describe the statement itself and retrying cannot
// change the outcome.
func (e *ServerError) Recoverable() bool {
	switch e.Code {
	case ErrCodeOverloaded, ErrCodeBootstrapping, ErrCodeUnavailable,
		ErrCodeReadTimeout, ErrCodeWriteTimeout, ErrCodeTruncate:
		return true
	}
	return false
}

// Ambiguous reports whether the statement may have been applied despite the
// error. Retrying after an ambiguous error requires the statement to be
// idempotent.
func (e *ServerError) Ambiguous() bool {
	switch e.Code {
	case ErrCodeWriteTimeout, ErrCodeTruncate:
		return true
	}
	return false
}
