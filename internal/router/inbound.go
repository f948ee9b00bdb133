package router

import (
	"errors"

	"github.com/lumencanvas/clasp-sub004/internal/frame"
	"github.com/lumencanvas/clasp-sub004/internal/session"
	"github.com/lumencanvas/clasp-sub004/internal/store"
)

func nowUs() uint64 { return store.SystemClock() }

// HandleFrame decodes one inbound frame from sess's transport and runs it
// through the appropriate C8 pipeline step, enqueueing any resulting
// outbound frames (ACK/ERROR/SNAPSHOT/PUBLISH) onto sess.Outbound. This is
// the single entry point a transport adapter calls per received message
// (§4.1 decode, §4.8 dispatch).
func (r *Router) HandleFrame(sess *session.Session, raw []byte) error {
	decoded, err := frame.Decode(raw, r.maxFramePayload)
	if err != nil {
		r.sendError(sess, "BadPayload", err.Error())
		return err
	}
	msg, err := frame.DecodeMessage(decoded)
	if err != nil {
		r.sendError(sess, "BadPayload", err.Error())
		return err
	}

	switch sess.State() {
	case session.StateHello:
		hello, ok := msg.(frame.Hello)
		if !ok {
			r.sendError(sess, "ProtocolViolation", "expected HELLO as first frame")
			return errors.New("router: non-HELLO frame before handshake")
		}
		return r.handleHello(sess, hello)
	case session.StateReady:
		return r.dispatchReady(sess, msg)
	default:
		// Draining/Closed: accept PING/PONG only, drop everything else
		// silently rather than error (the peer is already being torn down).
		switch m := msg.(type) {
		case frame.Ping:
			r.Sessions.Touch(sess, nowUs())
			r.send(sess, frame.Pong{Nonce: m.Nonce})
		case frame.Pong:
			r.Sessions.Touch(sess, nowUs())
		}
		return nil
	}
}

func (r *Router) handleHello(sess *session.Session, hello frame.Hello) error {
	if err := r.Sessions.HandleHello(sess, hello.Version, hello.Name, hello.Features, hello.Token); err != nil {
		r.sendError(sess, errCodeForHello(err), err.Error())
		return err
	}
	welcome := frame.Welcome{Session: string(sess.ID), TimeUs: nowUs()}
	r.send(sess, welcome)
	return nil
}

func errCodeForHello(err error) string {
	if err == session.ErrVersionMismatch {
		return "VersionMismatch"
	}
	return "AuthDenied"
}

func (r *Router) dispatchReady(sess *session.Session, msg frame.Message) error {
	r.Sessions.Touch(sess, nowUs())

	switch m := msg.(type) {
	case frame.Set:
		ack := r.Dispatch.HandleSet(sess, m)
		r.send(sess, ack)
	case frame.Get:
		snap, ack, ok := r.Dispatch.HandleGet(sess, m)
		if ok {
			r.send(sess, snap)
		} else {
			r.send(sess, ack)
		}
	case frame.Subscribe:
		snap, err := r.Dispatch.HandleSubscribe(sess, m)
		if err != nil {
			r.sendError(sess, "AuthDenied", err.Error())
			return nil
		}
		r.send(sess, snap)
	case frame.Unsubscribe:
		r.Dispatch.HandleUnsubscribe(sess, m)
	case frame.Publish:
		ack := r.Dispatch.HandlePublish(sess, m)
		r.send(sess, ack)
	case frame.Bundle:
		ack := r.Dispatch.HandleBundle(sess, m, r.Scheduler)
		r.send(sess, ack)
	case frame.Ping:
		r.send(sess, frame.Pong{Nonce: m.Nonce})
	case frame.Pong:
		// liveness already recorded via Touch above
	default:
		r.sendError(sess, "ProtocolViolation", "unrecognized message type")
	}
	return nil
}

func (r *Router) send(sess *session.Session, msg frame.Message) {
	data, err := frame.Encode(msg, frame.Options{})
	if err != nil {
		r.log.Warn().Err(err).Str("type", msg.MessageType()).Msg("router: encode failed")
		return
	}
	_ = sess.Outbound.Enqueue(session.QueuedFrame{Data: data})
}

func (r *Router) sendError(sess *session.Session, code, message string) {
	r.send(sess, frame.ErrorMsg{Code: code, Message: message})
}
