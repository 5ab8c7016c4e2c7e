package daelim

import (
	"errors"
	"fmt"
)

// Domain errors for the Daelim bridge package.
var (
	// ErrNetworkUnreachable is returned when the apartment server cannot be dialled.
	ErrNetworkUnreachable = errors.New("daelim: network unreachable")

	// ErrTimeout is returned when a transport operation exceeds its deadline.
	ErrTimeout = errors.New("daelim: operation timed out")

	// ErrNeedMoreData is returned by the decoder when the buffer holds
	// less than one complete frame. It is not a failure.
	ErrNeedMoreData = errors.New("daelim: need more data")

	// ErrMalformedFrame is returned when the byte stream cannot be framed.
	// The connection must be torn down.
	ErrMalformedFrame = errors.New("daelim: malformed frame")

	// ErrAuthenticationFailed is returned when the server rejects the login
	// handshake. It is never retried automatically.
	ErrAuthenticationFailed = errors.New("daelim: authentication failed")

	// ErrSessionExpired is returned when the server reports an invalid or
	// expired login pin on an established session.
	ErrSessionExpired = errors.New("daelim: session expired")

	// ErrCommandTimedOut is returned to a single caller whose command got no
	// response before its deadline.
	ErrCommandTimedOut = errors.New("daelim: command timed out")

	// ErrConnectionUnavailable is returned when no Ready session exists.
	ErrConnectionUnavailable = errors.New("daelim: connection unavailable")

	// ErrConnectionClosed is returned to pending commands when the session ends.
	ErrConnectionClosed = errors.New("daelim: connection closed")

	// ErrUnknownDeviceCategory is returned for device names this client does not model.
	ErrUnknownDeviceCategory = errors.New("daelim: unknown device category")

	// ErrCommandRejected is returned when the server answers with a non-zero result code.
	ErrCommandRejected = errors.New("daelim: command rejected by server")

	// ErrUnsafeAction is returned for actions refused by client-side safety policy.
	ErrUnsafeAction = errors.New("daelim: action refused by safety policy")

	// ErrInvalidCommand is returned when a command fails validation.
	ErrInvalidCommand = errors.New("daelim: invalid command")

	// ErrNotFound is returned when the state store has no entry for a device.
	ErrNotFound = errors.New("daelim: device state not found")
)

// ResultCode is the server result carried in the reserved header field of a response.
type ResultCode uint32

// Result codes reported by the apartment server.
const (
	CodeSuccess            ResultCode = 0
	CodeGeneral            ResultCode = 1
	CodeNotRegistered      ResultCode = 2
	CodeInvalidLoginPin    ResultCode = 3
	CodeInvalidCredentials ResultCode = 4
	CodeCertPinFailed      ResultCode = 6
	CodeNoHousehold        ResultCode = 7
	CodeWallpadComm        ResultCode = 8
	CodeDeviceComm         ResultCode = 9
	CodeDeviceControl      ResultCode = 10
	CodeNotFound           ResultCode = 11
	CodeSessionExpired     ResultCode = 17
	CodeNetwork            ResultCode = 18
	CodeDuplicateID        ResultCode = 19
	CodeUnverifiedUser     ResultCode = 25
	CodeAwayModeBlocked    ResultCode = 34
	CodeAlreadyRegistered  ResultCode = 39
)

var codeText = map[ResultCode]string{
	CodeSuccess:            "success",
	CodeGeneral:            "general error",
	CodeNotRegistered:      "phone not registered",
	CodeInvalidLoginPin:    "invalid login pin",
	CodeInvalidCredentials: "invalid id or password",
	CodeCertPinFailed:      "certificate pin generation failed",
	CodeNoHousehold:        "household not found",
	CodeWallpadComm:        "complex server communication failed",
	CodeDeviceComm:         "device communication failed",
	CodeDeviceControl:      "device control failed",
	CodeNotFound:           "information not found",
	CodeSessionExpired:     "logged out due to inactivity",
	CodeNetwork:            "network unstable",
	CodeDuplicateID:        "duplicate id",
	CodeUnverifiedUser:     "unverified user",
	CodeAwayModeBlocked:    "away mode blocked, check the front door",
	CodeAlreadyRegistered:  "phone already registered",
}

// String returns a human-readable description of the code.
func (c ResultCode) String() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return fmt.Sprintf("error %d", uint32(c))
}

// IsAuthFailure reports whether the code means the credentials themselves were refused.
func (c ResultCode) IsAuthFailure() bool {
	switch c {
	case CodeNotRegistered, CodeInvalidCredentials, CodeCertPinFailed, CodeNoHousehold, CodeUnverifiedUser:
		return true
	default:
		return false
	}
}

// IsSessionExpiry reports whether the code means a fresh login is required.
func (c ResultCode) IsSessionExpiry() bool {
	return c == CodeInvalidLoginPin || c == CodeSessionExpired
}

// ResultError is a non-zero result code returned by the server.
type ResultError struct {
	Type    MessageType
	Subtype uint32
	Code    ResultCode
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("daelim: %s/%d returned %d (%s)", e.Type, e.Subtype, uint32(e.Code), e.Code)
}

// Unwrap maps the code onto the package sentinels.
func (e *ResultError) Unwrap() error {
	switch {
	case e.Code.IsAuthFailure():
		return ErrAuthenticationFailed
	case e.Code.IsSessionExpiry():
		return ErrSessionExpired
	default:
		return ErrCommandRejected
	}
}

// ResultCodeOf extracts the server result code from err, if it carries one.
func ResultCodeOf(err error) (ResultCode, bool) {
	var rerr *ResultError
	if errors.As(err, &rerr) {
		return rerr.Code, true
	}
	return 0, false
}
