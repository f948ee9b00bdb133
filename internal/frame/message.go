package frame

import (
	"fmt"

	"github.com/lumencanvas/clasp-sub004/internal/value"
	"github.com/vmihailenco/msgpack/v5"
)

// Message is a sealed tagged-variant interface: one implementation per
// message verb in §4.1's table. "type" remains the sole wire discriminator
// so non-Go peers (JS/Python) stay forward-compatible (§9).
type Message interface {
	MessageType() string
}

type Hello struct {
	Version  int      `msgpack:"version"`
	Name     string   `msgpack:"name"`
	Features []string `msgpack:"features"`
	Token    string   `msgpack:"token,omitempty"`
}

func (Hello) MessageType() string { return "HELLO" }

type Welcome struct {
	Session string         `msgpack:"session"`
	TimeUs  uint64         `msgpack:"time"`
	Config  map[string]any `msgpack:"config,omitempty"`
}

func (Welcome) MessageType() string { return "WELCOME" }

type Set struct {
	Address string      `msgpack:"address"`
	Value   value.Value `msgpack:"value"`
	QoS     *int        `msgpack:"qos,omitempty"`
}

func (Set) MessageType() string { return "SET" }

type Get struct {
	Address string `msgpack:"address"`
	ID      string `msgpack:"id,omitempty"`
}

func (Get) MessageType() string { return "GET" }

type SnapshotEntry struct {
	Address     string      `msgpack:"address"`
	Value       value.Value `msgpack:"value"`
	Revision    uint64      `msgpack:"revision"`
	Writer      string      `msgpack:"writer,omitempty"`
	TimestampUs uint64      `msgpack:"timestamp,omitempty"`
}

type Snapshot struct {
	Params []SnapshotEntry `msgpack:"params"`
}

func (Snapshot) MessageType() string { return "SNAPSHOT" }

type Publish struct {
	Address     string      `msgpack:"address"`
	Signal      string      `msgpack:"signal"`
	Value       *value.Value `msgpack:"value,omitempty"`
	Payload     *value.Value `msgpack:"payload,omitempty"`
	TimestampUs uint64      `msgpack:"timestamp,omitempty"`
}

func (Publish) MessageType() string { return "PUBLISH" }

type SubscribeOptions struct {
	MaxRateHz float64 `msgpack:"maxRate,omitempty"`
	Epsilon   float64 `msgpack:"epsilon,omitempty"`
}

type Subscribe struct {
	ID      string            `msgpack:"id"`
	Pattern string            `msgpack:"pattern"`
	Options *SubscribeOptions `msgpack:"options,omitempty"`
}

func (Subscribe) MessageType() string { return "SUBSCRIBE" }

type Unsubscribe struct {
	ID string `msgpack:"id"`
}

func (Unsubscribe) MessageType() string { return "UNSUBSCRIBE" }

type Bundle struct {
	Messages    []Message `msgpack:"messages"`
	TimestampUs uint64    `msgpack:"timestamp,omitempty"`
}

func (Bundle) MessageType() string { return "BUNDLE" }

type Ping struct {
	Nonce string `msgpack:"nonce,omitempty"`
}

func (Ping) MessageType() string { return "PING" }

type Pong struct {
	Nonce string `msgpack:"nonce,omitempty"`
}

func (Pong) MessageType() string { return "PONG" }

type ErrorMsg struct {
	Code    string         `msgpack:"code"`
	Message string         `msgpack:"message"`
	Detail  map[string]any `msgpack:"detail,omitempty"`
}

func (ErrorMsg) MessageType() string { return "ERROR" }

type Ack struct {
	ID       string  `msgpack:"id"`
	OK       bool    `msgpack:"ok"`
	Revision *uint64 `msgpack:"revision,omitempty"`
	Code     string  `msgpack:"code,omitempty"`
	Reason   string  `msgpack:"reason,omitempty"`
}

func (Ack) MessageType() string { return "ACK" }

// UnknownMessage is produced when a frame's "type" field is not recognized
// (§4.1, §7); the raw type string and body are preserved for diagnostics.
type UnknownMessage struct {
	Type string
	Body map[string]any
}

func (u UnknownMessage) MessageType() string { return u.Type }

// marshalTagged tags an outgoing Message with its "type" field plus its
// struct contents, so the wire format matches §4.1's "top-level `type`
// selects the variant" shape without requiring callers to embed Type on
// every struct literal.
func marshalTagged(msg Message) ([]byte, error) {
	if u, ok := msg.(UnknownMessage); ok {
		m := map[string]any{"type": u.Type}
		for k, v := range u.Body {
			m[k] = v
		}
		return msgpack.Marshal(m)
	}
	if b, ok := msg.(Bundle); ok {
		entries := make([]msgpack.RawMessage, 0, len(b.Messages))
		for _, entry := range b.Messages {
			raw, err := marshalTagged(entry)
			if err != nil {
				return nil, fmt.Errorf("bundle entry: %w", err)
			}
			entries = append(entries, raw)
		}
		return msgpack.Marshal(map[string]any{
			"type":      "BUNDLE",
			"messages":  entries,
			"timestamp": b.TimestampUs,
		})
	}

	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	m["type"] = msg.MessageType()
	return msgpack.Marshal(m)
}

func decodeMessage(payload []byte) (Message, error) {
	var env struct {
		Type string `msgpack:"type"`
	}
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, err
	}

	decodeInto := func(v interface{}) error {
		return msgpack.Unmarshal(payload, v)
	}

	switch env.Type {
	case "HELLO":
		var m Hello
		return m, decodeInto(&m)
	case "WELCOME":
		var m Welcome
		return m, decodeInto(&m)
	case "SET":
		var m Set
		return m, decodeInto(&m)
	case "GET":
		var m Get
		return m, decodeInto(&m)
	case "SNAPSHOT":
		var m Snapshot
		return m, decodeInto(&m)
	case "PUBLISH":
		var m Publish
		return m, decodeInto(&m)
	case "SUBSCRIBE":
		var m Subscribe
		return m, decodeInto(&m)
	case "UNSUBSCRIBE":
		var m Unsubscribe
		return m, decodeInto(&m)
	case "BUNDLE":
		return decodeBundle(payload)
	case "PING":
		var m Ping
		return m, decodeInto(&m)
	case "PONG":
		var m Pong
		return m, decodeInto(&m)
	case "ERROR":
		var m ErrorMsg
		return m, decodeInto(&m)
	case "ACK":
		var m Ack
		return m, decodeInto(&m)
	default:
		var body map[string]any
		if err := decodeInto(&body); err != nil {
			return nil, err
		}
		delete(body, "type")
		return UnknownMessage{Type: env.Type, Body: body}, nil
	}
}

// decodeBundle decodes a BUNDLE's nested message list one entry at a time,
// since each entry is itself a tagged Message.
func decodeBundle(payload []byte) (Message, error) {
	var raw struct {
		Messages    []msgpack.RawMessage `msgpack:"messages"`
		TimestampUs uint64               `msgpack:"timestamp"`
	}
	if err := msgpack.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(raw.Messages))
	for _, r := range raw.Messages {
		m, err := decodeMessage(r)
		if err != nil {
			return nil, fmt.Errorf("bundle entry: %w", err)
		}
		msgs = append(msgs, m)
	}
	return Bundle{Messages: msgs, TimestampUs: raw.TimestampUs}, nil
}
