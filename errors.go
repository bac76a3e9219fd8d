package napcat

import (
	"errors"
	"fmt"
)

// BridgeError represents errors from the napcat bridge.
type BridgeError struct {
	Type    BridgeErrorType
	Message string
	Code    int // backend RPC error code, for BridgeErrorTypeRpc
	cause   error
}

// BridgeErrorType represents the type of bridge error.
type BridgeErrorType int

const (
	// BridgeErrorTypeSpawn means the backend executable could not be launched.
	BridgeErrorTypeSpawn BridgeErrorType = iota
	// BridgeErrorTypeMalformedLine means a backend line was not a valid protocol document.
	BridgeErrorTypeMalformedLine
	// BridgeErrorTypeRpc means the backend returned an explicit error object.
	BridgeErrorTypeRpc
	// BridgeErrorTypeTransportClosed means the connection was torn down while a call was outstanding.
	BridgeErrorTypeTransportClosed
	// BridgeErrorTypeUnknownResponseID means a response arrived whose id matches no pending call.
	BridgeErrorTypeUnknownResponseID
	// BridgeErrorTypeSubscriberFault means a notification subscriber panicked.
	BridgeErrorTypeSubscriberFault
)

func (e *BridgeError) Error() string {
	switch e.Type {
	case BridgeErrorTypeSpawn:
		return fmt.Sprintf("failed to spawn backend: %s", e.Message)
	case BridgeErrorTypeMalformedLine:
		return fmt.Sprintf("malformed line from backend: %s", e.Message)
	case BridgeErrorTypeRpc:
		return fmt.Sprintf("backend returned error: [%d] %s", e.Code, e.Message)
	case BridgeErrorTypeTransportClosed:
		return "transport closed while call was outstanding"
	case BridgeErrorTypeUnknownResponseID:
		return fmt.Sprintf("response id matches no pending call: %s", e.Message)
	case BridgeErrorTypeSubscriberFault:
		return fmt.Sprintf("notification subscriber fault: %s", e.Message)
	default:
		return fmt.Sprintf("unknown bridge error: %s", e.Message)
	}
}

func (e *BridgeError) Unwrap() error {
	return e.cause
}

func newSpawnError(err error) *BridgeError {
	return &BridgeError{Type: BridgeErrorTypeSpawn, Message: err.Error(), cause: err}
}

func newMalformedLineError(err error) *BridgeError {
	return &BridgeError{Type: BridgeErrorTypeMalformedLine, Message: err.Error(), cause: err}
}

func newUnknownResponseIDError(id uint64) *BridgeError {
	return &BridgeError{Type: BridgeErrorTypeUnknownResponseID, Message: fmt.Sprintf("id %d", id)}
}

func newRpcError(code int, message string) *BridgeError {
	return &BridgeError{Type: BridgeErrorTypeRpc, Code: code, Message: message}
}

func newTransportClosedError() *BridgeError {
	return &BridgeError{Type: BridgeErrorTypeTransportClosed}
}

// IsBridgeError reports whether err is a *BridgeError of the given type.
func IsBridgeError(err error, t BridgeErrorType) bool {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Type == t
	}
	return false
}

// IsTransportClosed reports whether err means the connection was torn down
// before the call completed.
func IsTransportClosed(err error) bool {
	return IsBridgeError(err, BridgeErrorTypeTransportClosed)
}

// IsRpcError reports whether err carries a backend-reported RPC error, and
// returns it when so.
func IsRpcError(err error) (*BridgeError, bool) {
	var be *BridgeError
	if errors.As(err, &be) && be.Type == BridgeErrorTypeRpc {
		return be, true
	}
	return nil, false
}
