package server

import (
	"net/http"

	"github.com/teleportal-io/teleportal/limiter"
	"github.com/teleportal-io/teleportal/message"
)

// Context is the opaque auth and tenant information produced by the upgrade
// hook and carried by a client session. The server itself reads only the
// user id, for rate-limit scoping.
type Context map[string]interface{}

// ContextUserID is the well-known Context key holding the user identity.
const ContextUserID = "user_id"

// UserID returns the user identity, or "" when anonymous.
func (c Context) UserID() string {
	if c == nil {
		return ""
	}
	if v, ok := c[ContextUserID].(string); ok {
		return v
	}
	return ""
}

// ConnectionMetadata describes an incoming connection for the upgrade hook.
type ConnectionMetadata struct {
	RemoteAddr string
	Header     http.Header
}

// UpgradeFunc produces a client Context from connection metadata, or rejects
// the connection by returning an error.
type UpgradeFunc func(meta ConnectionMetadata) (Context, error)

// AuthTokenFunc exchanges an in-band auth-request token for a Context,
// for transports that cannot convey credentials at upgrade time.
type AuthTokenFunc func(token []byte) (Context, error)

// AuthorizeFunc is the checkPermission hook, invoked for every inbound
// non-control message. It must be fast; it runs on the document's serial
// queue. Returning deny aborts the message and disconnects the client with
// the given reason.
type AuthorizeFunc func(ctx Context, msg *message.Message) (allow bool, denyReason string)

// RateLimitExceededFunc fires when a client trips a rate rule or the size
// limit, just before it is disconnected.
type RateLimitExceededFunc func(clientID string, userID string, exceeded *limiter.Exceeded)
