package dispatch

import (
	"github.com/lumencanvas/clasp-sub004/internal/frame"
	"github.com/lumencanvas/clasp-sub004/internal/session"
	"github.com/lumencanvas/clasp-sub004/internal/store"
	"github.com/lumencanvas/clasp-sub004/internal/subindex"
	"github.com/lumencanvas/clasp-sub004/internal/value"
)

// fanoutParam delivers a changed ParamState to every subscription whose
// pattern matches it, honoring each subscription's throttle/epsilon
// decision (§4.7 steps 4-5 of §4.8).
func (d *Dispatcher) fanoutParam(addr string, st store.ParamState) {
	for _, sub := range d.subs.MatchesFor(addr) {
		switch sub.Evaluate(store.SignalParam, addr, st.Value) {
		case subindex.Deliver:
			d.deliverSnapshotEntry(sub, entryOf(st))
		case subindex.Suppress, subindex.DropHard:
			// Suppress is coalesced for later SweepPending delivery;
			// Param signals never hard-drop (§4.6 signal-kind policy).
		}
	}
}

// fanoutPublish delivers a non-Param signal (Event/Stream/Gesture/Timeline)
// to matching subscriptions.
func (d *Dispatcher) fanoutPublish(addr string, kind store.SignalKind, v value.Value, tsUs uint64) {
	for _, sub := range d.subs.MatchesFor(addr) {
		switch sub.Evaluate(kind, addr, v) {
		case subindex.Deliver:
			d.deliverPublish(sub, addr, kind, v, tsUs)
		case subindex.DropHard:
			d.metrics.BackpressureEvent("event_rate_exceeded")
		case subindex.Suppress:
			// Stream/Gesture/Timeline coalesce into pending for the next
			// SweepPending pass (P8); Event is handled by DropHard above.
		}
	}
}

// FanoutExpiry notifies subscribers that addr's Param TTL has expired
// (§4.6, resolved Open Question: "yes" — TTL expiry publishes
// signal=event with a null payload), routed through the same
// throttle/epsilon evaluation as any other Publish delivery.
func (d *Dispatcher) FanoutExpiry(addr string, nowUs uint64) {
	d.fanoutPublish(addr, store.SignalEvent, value.Null(), nowUs)
}

// DeliverPendingSweep pushes every subscription's coalesced values,
// satisfying P8 without per-key timers. Intended to run on a router
// ticker (e.g. alongside TTL expiry sweeps).
func (d *Dispatcher) DeliverPendingSweep() {
	d.subs.SweepPending(func(sub *subindex.Subscription, addr string, v value.Value) {
		st, ok := d.store.Get(addr)
		if ok {
			d.deliverSnapshotEntry(sub, entryOf(st))
			return
		}
		d.deliverPublish(sub, addr, store.SignalParam, v, 0)
	})
}

func (d *Dispatcher) deliverSnapshotEntry(sub *subindex.Subscription, entry frame.SnapshotEntry) {
	sess, ok := d.sessions.Get(sub.Session)
	if !ok {
		return
	}
	msg := frame.Publish{
		Address:     entry.Address,
		Signal:      "param",
		Value:       &entry.Value,
		TimestampUs: entry.TimestampUs,
	}
	d.enqueue(sess, msg, store.SignalParam)
}

func (d *Dispatcher) deliverPublish(sub *subindex.Subscription, addr string, kind store.SignalKind, v value.Value, tsUs uint64) {
	sess, ok := d.sessions.Get(sub.Session)
	if !ok {
		return
	}
	msg := frame.Publish{
		Address:     addr,
		Signal:      signalName(kind),
		Value:       &v,
		TimestampUs: tsUs,
	}
	d.enqueue(sess, msg, kind)
}

func (d *Dispatcher) enqueue(sess *session.Session, msg frame.Message, kind store.SignalKind) {
	data, err := frame.Encode(msg, frame.Options{})
	if err != nil {
		d.log.Warn().Err(err).Str("type", msg.MessageType()).Msg("dispatch: encode failed, dropping delivery")
		return
	}
	if err := sess.Outbound.Enqueue(session.QueuedFrame{Data: data, Kind: kind}); err != nil {
		d.metrics.BackpressureEvent("outbound_queue_saturated")
		// Saturated with no Stream entry left to evict: the consumer
		// isn't draining its queue, so the session is torn down rather
		// than left to drop frames forever (§5, §8 scenario 6).
		d.sessions.Close(sess, session.CloseSlowConsumer)
		return
	}
	d.metrics.MessageDelivered(msg.MessageType())
}

func signalName(kind store.SignalKind) string {
	switch kind {
	case store.SignalParam:
		return "param"
	case store.SignalEvent:
		return "event"
	case store.SignalStream:
		return "stream"
	case store.SignalGesture:
		return "gesture"
	case store.SignalTimeline:
		return "timeline"
	default:
		return "param"
	}
}
