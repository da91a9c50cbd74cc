package server

import "fmt"

// Reason is the machine-readable disconnect reason sent to clients and
// recorded in metrics. No stack traces or internal detail cross the wire.
type Reason string

const (
	ReasonMalformedFrame     Reason = "malformed_frame"
	ReasonUnauthorized       Reason = "unauthorized"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonSizeExceeded       Reason = "size_exceeded"
	ReasonEncryptionMismatch Reason = "encryption_mismatch"
	ReasonStorageError       Reason = "storage_error"
	ReasonPubSubError        Reason = "pubsub_error"
	ReasonSlowConsumer       Reason = "slow_consumer"
	ReasonIdleTimeout        Reason = "idle_timeout"
	ReasonShutdown           Reason = "shutdown"
	ReasonInternal           Reason = "internal"
)

// DisconnectError carries the reason a session was terminated plus a short
// human-readable message.
type DisconnectError struct {
	Reason  Reason
	Message string
}

func (e *DisconnectError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func disconnectErr(reason Reason, format string, args ...interface{}) *DisconnectError {
	return &DisconnectError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
