package dispatch

import (
	"github.com/lumencanvas/clasp-sub004/internal/address"
	"github.com/lumencanvas/clasp-sub004/internal/auth"
	"github.com/lumencanvas/clasp-sub004/internal/frame"
	"github.com/lumencanvas/clasp-sub004/internal/session"
	"github.com/lumencanvas/clasp-sub004/internal/store"
)

// ScheduleDeferred is implemented by internal/bundle.Scheduler; the
// dispatcher parks a future-dated bundle here instead of applying it
// immediately (§4.8, §4.9).
type ScheduleDeferred interface {
	Schedule(deliverAtUs uint64, apply func(nowUs uint64))
}

// BundleClockSlackUs is the tolerance window after "now" within which a
// bundle with a future deliver_at_us is applied immediately rather than
// parked in the scheduler (§4.8). Past timestamps are bounded by
// StaleScheduleToleranceUs instead.
const BundleClockSlackUs = 50_000 // 50ms

// StaleScheduleToleranceUs bounds how far in the past a bundle's
// deliver_at_us may lie before it is rejected outright (§4.8, §7).
const StaleScheduleToleranceUs = 5_000_000 // 5s

// HandleBundle validates every entry's authorization and write rules
// before applying any of them (P5 atomicity, §4.8). Only SET-like write
// entries participate in the atomic batch; SUBSCRIBE/UNSUBSCRIBE/GET
// entries nested in a bundle are not supported by this dispatcher (bundles
// are a write-atomicity primitive, §3).
func (d *Dispatcher) HandleBundle(sess *session.Session, msg frame.Bundle, scheduler ScheduleDeferred) frame.Ack {
	d.metrics.MessageReceived("BUNDLE")

	writes := make([]store.BatchWrite, 0, len(msg.Messages))
	for _, entry := range msg.Messages {
		set, ok := entry.(frame.Set)
		if !ok {
			return ackFailDetail("", "WriteRejected", "bundle entries must be SET")
		}
		if err := address.Validate(set.Address); err != nil {
			return ackFail("", "BadAddress")
		}
		if !d.authorize(sess, auth.ActionWrite, set.Address) {
			return ackFail("", "AuthDenied")
		}
		if d.writeRule != nil {
			if allow, reason := d.writeRule(sess, set.Address, set.Value); !allow {
				return ackFailDetail("", "WriteRejected", reason)
			}
		}
		writes = append(writes, store.BatchWrite{Address: set.Address, Value: set.Value, Writer: sess.ID})
	}

	now := d.clock()
	if msg.TimestampUs > 0 {
		if msg.TimestampUs+BundleClockSlackUs < now {
			if now-msg.TimestampUs > StaleScheduleToleranceUs {
				return ackFailDetail("", "StaleSchedule", "bundle timestamp too far in the past")
			}
		} else if msg.TimestampUs > now+BundleClockSlackUs {
			if scheduler != nil {
				scheduler.Schedule(msg.TimestampUs, func(nowUs uint64) {
					d.applyBundle(writes, nowUs)
				})
				return frame.Ack{OK: true}
			}
		}
	}

	d.applyBundle(writes, msg.TimestampUs)
	rev := uint64(0)
	return frame.Ack{OK: true, Revision: &rev}
}

func (d *Dispatcher) applyBundle(writes []store.BatchWrite, tsUs uint64) {
	states, changed, err := d.store.ApplyBatch(writes, tsUs)
	if err != nil {
		d.log.Warn().Err(err).Msg("dispatch: bundle apply failed after validation, dropping")
		return
	}
	for i, st := range states {
		if changed[i] {
			d.fanoutParam(st.Address, st)
		}
	}
}
