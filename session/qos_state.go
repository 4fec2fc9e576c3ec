package session

// OutboundState is the tagged state of one QoS 1/2 message this session's
// client has not yet fully acknowledged. QoS 0 publishes never enter this
// machine; they are written once and forgotten.
type OutboundState int

const (
	// OutboundPublishQoS0 is sent and forgotten — never actually stored
	// in a MessageData block, listed for completeness of the variant.
	OutboundPublishQoS0 OutboundState = iota
	// OutboundWaitForPuback is a QoS 1 publish awaiting PUBACK.
	OutboundWaitForPuback
	// OutboundWaitForPubrec is a QoS 2 publish awaiting PUBREC.
	OutboundWaitForPubrec
	// OutboundResendPubrel is a QoS 2 exchange that received PUBREC and
	// has sent (or must resend, after a reconnect) PUBREL.
	OutboundResendPubrel
	// OutboundWaitForPubcomp is a QoS 2 exchange awaiting PUBCOMP after
	// PUBREL was written.
	OutboundWaitForPubcomp
)

func (s OutboundState) String() string {
	switch s {
	case OutboundPublishQoS0:
		return "publish_qos0"
	case OutboundWaitForPuback:
		return "wait_for_puback"
	case OutboundWaitForPubrec:
		return "wait_for_pubrec"
	case OutboundResendPubrel:
		return "resend_pubrel"
	case OutboundWaitForPubcomp:
		return "wait_for_pubcomp"
	default:
		return "unknown"
	}
}

// InboundState is the tagged state of one QoS 2 message a client
// published that this broker has not yet released with PUBCOMP. QoS 0
// and QoS 1 inbound publishes are delivered and acked immediately and
// never enter this machine.
type InboundState int

const (
	// InboundWaitForPubrel means PUBREC has been sent and the broker is
	// waiting for the client's PUBREL before it may forward the message.
	InboundWaitForPubrel InboundState = iota
)

func (s InboundState) String() string {
	switch s {
	case InboundWaitForPubrel:
		return "wait_for_pubrel"
	default:
		return "unknown"
	}
}

// NextOnPuback advances an outbound QoS 1 flight on receipt of PUBACK.
// Returns false if the flight was not awaiting PUBACK (a protocol error
// the caller should surface as malformed_packet / protocol_error).
func NextOnPuback(state OutboundState) (done bool, ok bool) {
	if state != OutboundWaitForPuback {
		return false, false
	}
	return true, true
}

// NextOnPubrec advances an outbound QoS 2 flight on receipt of PUBREC.
func NextOnPubrec(state OutboundState) (next OutboundState, ok bool) {
	if state != OutboundWaitForPubrec {
		return state, false
	}
	return OutboundResendPubrel, true
}

// NextOnPubrelSent marks that PUBREL has been written for a flight
// already in OutboundResendPubrel (first send or a reconnect resend).
func NextOnPubrelSent(state OutboundState) (next OutboundState, ok bool) {
	if state != OutboundResendPubrel {
		return state, false
	}
	return OutboundWaitForPubcomp, true
}

// NextOnPubcomp completes an outbound QoS 2 flight on receipt of PUBCOMP.
func NextOnPubcomp(state OutboundState) (done bool, ok bool) {
	if state != OutboundWaitForPubcomp {
		return false, false
	}
	return true, true
}
