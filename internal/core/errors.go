package core

import "errors"

// TransportError wraps socket, TLS and websocket failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Op + ": " + errString(e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError marks a malformed frame, line or tag segment.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Op + ": " + errString(e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// LookupError is an external API failure or timeout.
type LookupError struct {
	Op  string
	Err error
}

func (e *LookupError) Error() string { return "lookup: " + e.Op + ": " + errString(e.Err) }
func (e *LookupError) Unwrap() error { return e.Err }

// HandshakeError means authentication or capability negotiation was rejected.
type HandshakeError struct {
	Op  string
	Err error
}

func (e *HandshakeError) Error() string { return "handshake: " + e.Op + ": " + errString(e.Err) }
func (e *HandshakeError) Unwrap() error { return e.Err }

// ErrorKind names the taxonomy bucket of err, for logs and metric labels.
func ErrorKind(err error) string {
	var (
		te *TransportError
		pe *ProtocolError
		le *LookupError
		he *HandshakeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &he):
		return "handshake"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &pe):
		return "protocol"
	case errors.As(err, &le):
		return "lookup"
	default:
		return "other"
	}
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
