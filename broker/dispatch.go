package broker

import (
	"context"
	"errors"
	"net"

	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/hook"
)

// readLoop is the single goroutine per connection that owns inbound
// reads, matching spec §5's single-threaded-per-session model: nothing
// else ever calls c.r.Read. It exits on the first read/protocol error;
// HandleConnection calls it synchronously and returns once it exits.
func (e *Engine) readLoop(c *client) {
	ctx := context.Background()
	defer e.closeClient(ctx, c, true)

	for {
		fh, err := encoding.ParseFixedHeaderWithVersion(c.r, c.protocolVersion)
		if err != nil {
			e.logReadError(c, err)
			return
		}

		err = e.dispatchPacket(ctx, c, fh)
		e.Hooks.OnPacketProcessed(c.hookClient(), fh.Type, err)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				e.sendDisconnectReason(c, encoding.ReasonKeepAliveTimeout)
			}
			e.logReadError(c, err)
			return
		}

		if fh.Type == encoding.DISCONNECT {
			return
		}
	}
}

func (e *Engine) logReadError(c *client, err error) {
	if errors.Is(err, errConnectionClosedQuiet) {
		return
	}
	e.log.Debug("connection closed", "client_id", c.clientID, "err", err)
}

var errConnectionClosedQuiet = errors.New("connection closed")

func (e *Engine) dispatchPacket(ctx context.Context, c *client, fh *encoding.FixedHeader) error {
	switch fh.Type {
	case encoding.PUBLISH:
		return e.handlePublish(ctx, c, fh)
	case encoding.PUBACK:
		return e.handlePuback(c, fh)
	case encoding.PUBREC:
		return e.handlePubrec(c, fh)
	case encoding.PUBREL:
		return e.handlePubrel(c, fh)
	case encoding.PUBCOMP:
		return e.handlePubcomp(c, fh)
	case encoding.SUBSCRIBE:
		return e.handleSubscribe(ctx, c, fh)
	case encoding.UNSUBSCRIBE:
		return e.handleUnsubscribe(ctx, c, fh)
	case encoding.PINGREQ:
		return e.handlePingreq(c, fh)
	case encoding.DISCONNECT:
		return e.handleDisconnect(ctx, c, fh)
	case encoding.AUTH:
		if !c.isV5() {
			return encoding.NewProtocolError(encoding.ErrInvalidReservedType, "AUTH not valid before MQTT 5.0")
		}
		return e.handleAuth(c, fh)
	default:
		return encoding.NewProtocolError(encoding.ErrInvalidType, "unexpected packet type from client")
	}
}

func (e *Engine) handlePingreq(c *client, fh *encoding.FixedHeader) error {
	if _, err := encoding.ParsePingreqPacket(fh); err != nil {
		return err
	}
	resp := &encoding.PingrespPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PINGRESP}}
	return c.writeLocked(func() error {
		return resp.Encode(c.conn)
	})
}

func (e *Engine) handleDisconnect(ctx context.Context, c *client, fh *encoding.FixedHeader) error {
	sendWill := true
	if c.isV5() {
		d, err := encoding.ParseDisconnectPacket(c.r, fh)
		if err != nil {
			return err
		}
		// A normal client-initiated DISCONNECT discards the will per
		// MQTT 5.0 §3.14.4; any other reason code still triggers it.
		if d.ReasonCode == encoding.ReasonNormalDisconnection || d.ReasonCode == encoding.ReasonSuccess {
			sendWill = false
		}
		if prop := d.Properties.GetProperty(encoding.PropSessionExpiryInterval); prop != nil {
			if v, ok := prop.Value.(uint32); ok && c.session != nil {
				c.session.UpdateExpiryInterval(v)
			}
		}
	} else {
		if _, err := encoding.ParseDisconnectPacket311(fh); err != nil {
			return err
		}
		sendWill = false
	}

	if !sendWill && c.session != nil {
		c.session.ClearWillMessage()
	}
	c.graceful = true
	return errConnectionClosedQuiet
}

func (e *Engine) handleAuth(c *client, fh *encoding.FixedHeader) error {
	p, err := encoding.ParseAuthPacket(c.r, fh)
	if err != nil {
		return err
	}
	hookPkt := &hook.AuthPacket{ReasonCode: byte(p.ReasonCode), Properties: p.Properties}
	if prop := p.Properties.GetProperty(encoding.PropAuthenticationMethod); prop != nil {
		if v, ok := prop.Value.(string); ok {
			hookPkt.AuthMethod = v
		}
	}
	if prop := p.Properties.GetProperty(encoding.PropAuthenticationData); prop != nil {
		if v, ok := prop.Value.([]byte); ok {
			hookPkt.AuthData = v
		}
	}
	if !e.Hooks.OnAuthPacket(c.hookClient(), hookPkt) {
		return &Error{Kind: KindNotAuthorized, Err: ErrACLDenied}
	}
	return nil
}

// closeClient is the single path that tears a connection down,
// reached either from a graceful client DISCONNECT or from the read
// loop unwinding after a network/protocol error. sendWillHint is
// consulted only for the abnormal case; a graceful DISCONNECT's own
// will decision (already applied via ClearWillMessage) always wins.
func (e *Engine) closeClient(ctx context.Context, c *client, sendWillHint bool) {
	c.closing.Do(func() {
		graceful := c.graceful
		if c.session != nil {
			_ = e.Sessions.DisconnectSession(ctx, c.clientID, !graceful && sendWillHint)
		}
		e.unregisterClient(c.clientID, c)
		e.Hooks.OnDisconnect(c.hookClient(), nil, !graceful)
		c.conn.Close()
	})
}

func (e *Engine) sendDisconnectReason(c *client, reason encoding.ReasonCode) {
	if !c.isV5() {
		return
	}
	_ = c.writeLocked(func() error {
		d := &encoding.DisconnectPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.DISCONNECT},
			ReasonCode:  reason,
		}
		return d.Encode(c.conn)
	})
}
