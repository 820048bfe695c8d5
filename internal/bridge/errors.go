package bridge

import "errors"

// Application error kinds surfaced to tool callers in the JSON-RPC
// error data.
const (
	KindOverloaded   = "overloaded"
	KindDisconnected = "disconnected"
	KindInvalidJID   = "invalid_jid"
	KindInvalidAlias = "invalid_alias"
	KindUnknownAlias = "unknown_alias"
	KindAmbiguous    = "ambiguous_alias"
	KindNotFound     = "not_found"
	KindTimeout      = "timeout"
	KindShutdown     = "shutdown"
	KindFatalAuth    = "fatal_auth"
	KindSendFailed   = "send_failed"
	KindInternal     = "internal_error"
)

var (
	// ErrOverloaded is returned when a bounded queue rejects a producer.
	ErrOverloaded = errors.New("queue overloaded")

	// ErrDisconnected is returned when no XMPP session can take the message.
	ErrDisconnected = errors.New("not connected")

	// ErrShutdown is returned for work canceled by Stop.
	ErrShutdown = errors.New("shutting down")

	// ErrAuthFailure marks a fatal connection error; the state machine
	// stops retrying when a client error wraps it.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrFatalSend marks a send failure that retrying cannot fix.
	ErrFatalSend = errors.New("fatal send error")
)
