// Package dispatch implements CLASP's dispatcher (C8, §4.8): the
// authorize -> write-rules -> mutate -> fanout -> ack pipeline every
// incoming operation runs through once a session is Ready.
//
// Grounded in ws/internal/shared/handlers_message.go's subscribe/
// unsubscribe/ack control flow and ws/internal/shared/broadcast.go's
// fanout-with-backpressure shape, generalized from JSON "type"-switch
// framing and exact-channel broadcast to C1 frames, C2 patterns, and the
// store/subindex abstractions.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/lumencanvas/clasp-sub004/internal/address"
	"github.com/lumencanvas/clasp-sub004/internal/auth"
	"github.com/lumencanvas/clasp-sub004/internal/frame"
	"github.com/lumencanvas/clasp-sub004/internal/session"
	"github.com/lumencanvas/clasp-sub004/internal/store"
	"github.com/lumencanvas/clasp-sub004/internal/subindex"
	"github.com/lumencanvas/clasp-sub004/internal/value"
	"github.com/rs/zerolog"
)

// Errors from the §7 taxonomy not already owned by another package.
var (
	ErrWriteRejected = errors.New("dispatch: write rejected by hook")
	ErrNotFound      = store.ErrNotFound
	ErrBadPattern    = errors.New("dispatch: bad pattern")
	ErrTimeout       = errors.New("dispatch: timeout")
	ErrStaleSchedule = errors.New("dispatch: bundle timestamp too far in the past")
)

// WriteRuleHook is the optional collaborator from §6: called on every write
// before store mutation.
type WriteRuleHook func(sess *session.Session, addr string, v value.Value) (allow bool, reason string)

// SnapshotFilterHook is the optional collaborator from §6, applied to every
// snapshot entry and every fanout delivery.
type SnapshotFilterHook func(sess *session.Session, st store.ParamState) (visible bool, transformed *store.ParamState)

// PersistenceHook is the optional collaborator from §6: called on every
// mutation before acknowledging a Commit-QoS write.
type PersistenceHook interface {
	Append(entry JournalEntry) error
}

// JournalEntry is what the dispatcher hands to a PersistenceHook.
type JournalEntry struct {
	Address     string
	Value       value.Value
	Revision    uint64
	Writer      store.SessionID
	TimestampUs uint64
}

// ErrJournalFull is returned by a PersistenceHook when it cannot accept
// more entries (§6); the dispatcher fails the triggering write with
// Persisted=false.
var ErrJournalFull = errors.New("dispatch: journal full")

// Dispatcher wires C4 (indirectly, via session.Scopes already resolved),
// C6, C7, and the session manager into the pipeline described in §4.8.
type Dispatcher struct {
	log            zerolog.Logger
	store          *store.Store
	subs           *subindex.Index
	sessions       *session.Manager
	writeRule      WriteRuleHook
	snapshotFilter SnapshotFilterHook
	persistence    PersistenceHook
	clock          func() uint64
	metrics        Metrics
}

// Metrics is the narrow observability surface the dispatcher drives;
// internal/metrics.Collector implements it.
type Metrics interface {
	MessageReceived(typ string)
	MessageDelivered(typ string)
	BackpressureEvent(reason string)
}

type noopMetrics struct{}

func (noopMetrics) MessageReceived(string)     {}
func (noopMetrics) MessageDelivered(string)    {}
func (noopMetrics) BackpressureEvent(string)   {}

type Config struct {
	Store          *store.Store
	Subs           *subindex.Index
	Sessions       *session.Manager
	WriteRule      WriteRuleHook
	SnapshotFilter SnapshotFilterHook
	Persistence    PersistenceHook
	Clock          func() uint64
	Metrics        Metrics
}

func New(log zerolog.Logger, cfg Config) *Dispatcher {
	clock := cfg.Clock
	if clock == nil {
		clock = store.SystemClock
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{
		log:            log,
		store:          cfg.Store,
		subs:           cfg.Subs,
		sessions:       cfg.Sessions,
		writeRule:      cfg.WriteRule,
		snapshotFilter: cfg.SnapshotFilter,
		persistence:    cfg.Persistence,
		clock:          clock,
		metrics:        metrics,
	}
}

func (d *Dispatcher) authorize(sess *session.Session, action auth.Action, addr string) bool {
	return sess.Scopes.Permits(action, addr)
}

// HandleSet runs step 1-5 of §4.8 for a SET operation.
func (d *Dispatcher) HandleSet(sess *session.Session, msg frame.Set) frame.Ack {
	d.metrics.MessageReceived("SET")
	qos := frame.QoSFire
	if msg.QoS != nil {
		qos = frame.QoS(*msg.QoS)
	}

	if err := address.Validate(msg.Address); err != nil {
		return ackFail("", "BadAddress")
	}
	if !d.authorize(sess, auth.ActionWrite, msg.Address) {
		return ackFail("", "AuthDenied")
	}
	if d.writeRule != nil {
		if allow, reason := d.writeRule(sess, msg.Address, msg.Value); !allow {
			return ackFailDetail("", "WriteRejected", reason)
		}
	}

	st, changed, err := d.store.SetParam(msg.Address, msg.Value, sess.ID)
	if err != nil {
		return mapStoreErr(err)
	}

	if d.persistence != nil && qos == frame.QoSCommit {
		entry := JournalEntry{Address: msg.Address, Value: st.Value, Revision: st.Revision, Writer: st.Writer, TimestampUs: st.TimestampUs}
		if err := d.persistence.Append(entry); err != nil {
			return ackFailDetail("", "Persisted", "false")
		}
	}

	if changed {
		d.fanoutParam(msg.Address, st)
	}

	if qos >= frame.QoSConfirm {
		rev := st.Revision
		return frame.Ack{ID: "", OK: true, Revision: &rev}
	}
	return frame.Ack{OK: true}
}

// HandleGet runs a targeted GET (§4.8 step 1, §4.6 get), enforcing the
// per-session MaxOutstandingGETs cap (§4.5).
func (d *Dispatcher) HandleGet(sess *session.Session, msg frame.Get) (frame.Snapshot, frame.Ack, bool) {
	d.metrics.MessageReceived("GET")
	if err := address.Validate(msg.Address); err != nil {
		return frame.Snapshot{}, ackFail(msg.ID, "BadAddress"), false
	}
	if !d.authorize(sess, auth.ActionRead, msg.Address) {
		return frame.Snapshot{}, ackFail(msg.ID, "AuthDenied"), false
	}
	if _, err := sess.ReserveGetSlot(msg.ID); err != nil {
		return frame.Snapshot{}, ackFail(msg.ID, "ResourceExhausted"), false
	}
	defer sess.ReleaseGetSlot(msg.ID)

	st, ok := d.store.Get(msg.Address)
	if !ok {
		return frame.Snapshot{}, ackFail(msg.ID, "NotFound"), false
	}
	if d.snapshotFilter != nil {
		visible, transformed := d.snapshotFilter(sess, st)
		if !visible {
			return frame.Snapshot{}, ackFail(msg.ID, "NotFound"), false
		}
		if transformed != nil {
			st = *transformed
		}
	}
	return frame.Snapshot{Params: []frame.SnapshotEntry{entryOf(st)}}, frame.Ack{}, true
}

// HandleSubscribe registers a subscription and returns the late-join
// SNAPSHOT filtered to it (§4.7).
func (d *Dispatcher) HandleSubscribe(sess *session.Session, msg frame.Subscribe) (frame.Snapshot, error) {
	d.metrics.MessageReceived("SUBSCRIBE")
	pat, err := address.Compile(msg.Pattern)
	if err != nil {
		return frame.Snapshot{}, ErrBadPattern
	}

	// Require a scope whose pattern subsumes the subscription pattern
	// (§4.7: "require a scope whose P subsumes the subscription pattern").
	if !hasSubsumingScope(sess.Scopes, pat) {
		return frame.Snapshot{}, auth.ErrAuthDenied
	}
	if err := sess.ReserveSubscriptionSlot(msg.ID); err != nil {
		return frame.Snapshot{}, err
	}

	maxRate, epsilon := 0.0, 0.0
	if msg.Options != nil {
		maxRate = msg.Options.MaxRateHz
		epsilon = msg.Options.Epsilon
	}
	d.subs.Add(subindex.SubscriptionID(msg.ID), sess.ID, pat, maxRate, epsilon)

	visible := func(addr string) bool { return sess.Scopes.Permits(auth.ActionRead, addr) }
	entries := d.store.Snapshot(pat, visible)
	out := make([]frame.SnapshotEntry, 0, len(entries))
	for _, st := range entries {
		if d.snapshotFilter != nil {
			ok, transformed := d.snapshotFilter(sess, st)
			if !ok {
				continue
			}
			if transformed != nil {
				st = *transformed
			}
		}
		out = append(out, entryOf(st))
	}
	return frame.Snapshot{Params: out}, nil
}

func hasSubsumingScope(scopes auth.ScopeSet, pat address.Pattern) bool {
	for _, sc := range scopes {
		if sc.Action >= auth.ActionRead && address.Subsumes(sc.Pattern, pat) {
			return true
		}
	}
	return false
}

// HandleUnsubscribe removes a subscription (§4.7).
func (d *Dispatcher) HandleUnsubscribe(sess *session.Session, msg frame.Unsubscribe) {
	d.metrics.MessageReceived("UNSUBSCRIBE")
	d.subs.Remove(sess.ID, subindex.SubscriptionID(msg.ID))
	sess.ReleaseSubscriptionSlot(msg.ID)
}

// HandlePublish runs the publish path for non-Param signal kinds
// (Event/Stream/Gesture/Timeline), per §4.6's signal-kind policy table.
func (d *Dispatcher) HandlePublish(sess *session.Session, msg frame.Publish) frame.Ack {
	d.metrics.MessageReceived("PUBLISH")
	if err := address.Validate(msg.Address); err != nil {
		return ackFail("", "BadAddress")
	}
	if !d.authorize(sess, auth.ActionWrite, msg.Address) {
		return ackFail("", "AuthDenied")
	}

	kind, ok := parseSignalKind(msg.Signal)
	if !ok {
		return ackFail("", "BadPattern")
	}

	var v value.Value
	if msg.Value != nil {
		v = *msg.Value
	} else if msg.Payload != nil {
		v = *msg.Payload
	}

	switch kind {
	case store.SignalGesture:
		d.store.GesturePhase(msg.Address, "update", v)
	}

	d.fanoutPublish(msg.Address, kind, v, msg.TimestampUs)
	return frame.Ack{OK: true}
}

func parseSignalKind(s string) (store.SignalKind, bool) {
	switch s {
	case "param":
		return store.SignalParam, true
	case "event":
		return store.SignalEvent, true
	case "stream":
		return store.SignalStream, true
	case "gesture":
		return store.SignalGesture, true
	case "timeline":
		return store.SignalTimeline, true
	default:
		return 0, false
	}
}

func entryOf(st store.ParamState) frame.SnapshotEntry {
	return frame.SnapshotEntry{
		Address:     st.Address,
		Value:       st.Value,
		Revision:    st.Revision,
		Writer:      string(st.Writer),
		TimestampUs: st.TimestampUs,
	}
}

func ackFail(id, code string) frame.Ack {
	return frame.Ack{ID: id, OK: false, Code: code}
}

func ackFailDetail(id, code, reason string) frame.Ack {
	return frame.Ack{ID: id, OK: false, Code: code, Reason: reason}
}

func mapStoreErr(err error) frame.Ack {
	switch {
	case errors.Is(err, store.ErrLocked):
		return ackFail("", "Locked")
	case errors.Is(err, store.ErrNoMergeFn), errors.Is(err, store.ErrNotNumericForPolicy):
		return ackFailDetail("", "WriteRejected", err.Error())
	default:
		return ackFailDetail("", "Internal", fmt.Sprint(err))
	}
}
