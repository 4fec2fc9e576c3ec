package broker

import "time"

// Config is the broker-wide configuration surface: the knobs a
// deployment tunes without touching code. Field names follow the
// engine.yml vocabulary a reader of an MQTT broker config would expect
// (mosquitto-style snake_case concepts, Go-cased here).
type Config struct {
	// MaxInflightMessages bounds concurrent outbound QoS 1/2 flights per
	// session (the client's effective receive_maximum ceiling). Zero
	// means unlimited.
	MaxInflightMessages int
	// MaxInflightBytes bounds the combined QoS 1/2 byte total a session
	// may hold in flight at once (session.MessageData.InflightMaxBytes).
	// Zero means unlimited.
	MaxInflightBytes int64

	// MaxQueuedMessages and MaxQueuedBytes bound a session's per-direction
	// backlog of messages waiting for an inflight slot to free up.
	MaxQueuedMessages int
	MaxQueuedBytes    int64

	// QueueQoS0Messages controls whether QoS 0 publishes are queued for a
	// disconnected persistent session at all, or dropped immediately.
	QueueQoS0Messages bool

	// MaxKeepAlive is the server-imposed ceiling on a client's requested
	// keepalive, in seconds; 0 disables the ceiling.
	MaxKeepAlive uint16

	// MaxQoS is the highest QoS level the broker will grant on SUBSCRIBE
	// or accept from a PUBLISH without downgrading.
	MaxQoS byte

	// MaxTopicAlias is the maximum number of MQTT 5 topic aliases the
	// broker offers a client (TopicAliasMaximum in CONNACK).
	MaxTopicAlias uint16

	// RetainAvailable advertises (and enforces) whether retained messages
	// are supported on this broker.
	RetainAvailable bool

	// AllowDuplicateMessages, when false, suppresses a second delivery of
	// the same publish to a client matched through more than one
	// overlapping subscription (spec §9's dest_ids fan-out suppression).
	AllowDuplicateMessages bool

	// AllowZeroLengthClientID permits CONNECT with an empty client
	// identifier, assigning one server-side.
	AllowZeroLengthClientID bool
	// AutoIDPrefix prefixes server-assigned client identifiers.
	AutoIDPrefix string

	// MessageSizeLimit rejects any PUBLISH whose payload exceeds this
	// many bytes; 0 means unlimited.
	MessageSizeLimit uint32

	// SessionExpiryIntervalMax caps the session_expiry_interval a client
	// may request, in seconds; 0 means unlimited.
	SessionExpiryIntervalMax uint32

	// KeepAliveGrace is the multiplier applied to a connection's
	// negotiated keepalive to get the idle-read timeout (spec: 1.5x).
	KeepAliveGrace float64

	// ReceiveMaximum is the broker's own receive_maximum, advertised to
	// 5.0 clients in CONNACK. The broker does not itself count inbound
	// QoS 2 exchanges against it.
	ReceiveMaximum uint16

	// SchedulerTick is how often the delivery scheduler sweeps active
	// sessions for queued-to-inflight promotion and expired-message drops.
	SchedulerTick time.Duration
}

// DefaultConfig returns the broker's out-of-the-box configuration.
func DefaultConfig() Config {
	return Config{
		MaxInflightMessages:      20,
		MaxInflightBytes:         0,
		MaxQueuedMessages:        1000,
		MaxQueuedBytes:           256 * 1024 * 1024,
		QueueQoS0Messages:        true,
		MaxKeepAlive:             65535,
		MaxQoS:                   2,
		MaxTopicAlias:            0,
		RetainAvailable:          true,
		AllowDuplicateMessages:   false,
		AllowZeroLengthClientID:  true,
		AutoIDPrefix:             "auto-",
		MessageSizeLimit:         0,
		SessionExpiryIntervalMax: 0,
		KeepAliveGrace:           1.5,
		ReceiveMaximum:           65535,
		SchedulerTick:            50 * time.Millisecond,
	}
}
