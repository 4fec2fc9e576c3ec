package broker

import (
	"errors"

	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/session"
	"github.com/flowmq/broker/store"
	"github.com/flowmq/broker/topic"
)

// Kind is one of the error taxonomy's named categories (spec §7), the
// level at which callers decide retry/close/log behavior rather than
// switching on a specific sentinel.
type Kind int

const (
	KindInvalidArgument Kind = iota
	KindProtocolError
	KindMalformedPacket
	KindNotSupported
	KindNotAuthorized
	KindOversizePacket
	KindConnectionLost
	KindNoMemory
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindProtocolError:
		return "protocol_error"
	case KindMalformedPacket:
		return "malformed_packet"
	case KindNotSupported:
		return "not_supported"
	case KindNotAuthorized:
		return "not_authorized"
	case KindOversizePacket:
		return "oversize_packet"
	case KindConnectionLost:
		return "connection_lost"
	case KindNoMemory:
		return "no_memory"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with the underlying cause, following the same
// wrap-with-Unwrap shape as encoding.PacketError so errors.Is/As still
// see through it to the sentinel beneath.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err into one of the nine error kinds, preferring an
// encoding.PacketError's reason code when present, then falling back to
// sentinel matches against the session/store/topic packages' own error
// vars. The engine's own CONNECT/PUBLISH/SUBSCRIBE handlers build their
// replies directly and do not call it.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}

	var ve *topic.ValidationError
	if errors.As(err, &ve) {
		return &Error{Kind: KindInvalidArgument, Err: err}
	}

	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, store.ErrNotFound):
		return &Error{Kind: KindNotFound, Err: err}
	case errors.Is(err, session.ErrSessionAlreadyExists), errors.Is(err, store.ErrAlreadyExists):
		return &Error{Kind: KindInvalidArgument, Err: err}
	case errors.Is(err, store.ErrStoreClosed):
		return &Error{Kind: KindConnectionLost, Err: err}
	}

	switch encoding.GetReasonCode(err) {
	case encoding.ReasonMalformedPacket:
		return &Error{Kind: KindMalformedPacket, Err: err}
	case encoding.ReasonProtocolError:
		return &Error{Kind: KindProtocolError, Err: err}
	case encoding.ReasonUnsupportedProtocolVersion, encoding.ReasonQoSNotSupported,
		encoding.ReasonRetainNotSupported, encoding.ReasonSharedSubscriptionsNotSupported,
		encoding.ReasonWildcardSubscriptionsNotSupported, encoding.ReasonSubscriptionIdentifiersNotSupported:
		return &Error{Kind: KindNotSupported, Err: err}
	case encoding.ReasonNotAuthorized, encoding.ReasonBadUsernameOrPassword, encoding.ReasonBanned:
		return &Error{Kind: KindNotAuthorized, Err: err}
	case encoding.ReasonPacketTooLarge:
		return &Error{Kind: KindOversizePacket, Err: err}
	case encoding.ReasonTopicFilterInvalid, encoding.ReasonTopicNameInvalid:
		return &Error{Kind: KindInvalidArgument, Err: err}
	}

	return &Error{Kind: KindProtocolError, Err: err}
}

// ReasonCode50 maps a broker Error onto the MQTT 5.0 reason code a
// CONNACK/PUBACK/SUBACK/DISCONNECT should carry.
func ReasonCode50(err error) encoding.ReasonCode {
	if err == nil {
		return encoding.ReasonSuccess
	}
	return encoding.GetReasonCode(err)
}

// ConnectReturnCode311 maps a broker Error onto the closest MQTT 3.1.1
// CONNACK return code; 3.1.1 has no room to express most 5.0 reasons, so
// anything that isn't clearly identifier/protocol/auth related collapses
// to ServerUnavailable.
func ConnectReturnCode311(err error) byte {
	if err == nil {
		return encoding.ConnectAccepted311
	}
	switch encoding.GetReasonCode(err) {
	case encoding.ReasonUnsupportedProtocolVersion:
		return encoding.ConnectRefusedUnacceptableProtocol311
	case encoding.ReasonClientIdentifierNotValid:
		return encoding.ConnectRefusedIdentifierRejected311
	case encoding.ReasonBadUsernameOrPassword:
		return encoding.ConnectRefusedBadUsernamePassword311
	case encoding.ReasonNotAuthorized, encoding.ReasonBanned:
		return encoding.ConnectRefusedNotAuthorized311
	default:
		return encoding.ConnectRefusedServerUnavailable311
	}
}

var (
	// ErrSessionTakenOver signals a CONNECT arrived for a client ID that
	// already has a live connection; the older connection is closed with
	// ReasonSessionTakenOver, not an error surfaced to the new one.
	ErrSessionTakenOver = errors.New("session taken over by a new connection")
	// ErrKeepAliveExpired signals the 1.5x keepalive read deadline fired.
	ErrKeepAliveExpired = errors.New("keepalive timeout")
	// ErrACLDenied signals OnACLCheck refused an operation.
	ErrACLDenied = errors.New("not authorized")
	// ErrOutboundQueueFull signals a session's outbound flight table
	// rejected a new entry (MaxInflightMessages/MaxQueuedMessages hit).
	ErrOutboundQueueFull = errors.New("outbound queue full")
)
