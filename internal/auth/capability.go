package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/lumencanvas/clasp-sub004/internal/address"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultMaxChainDepth is the default capability chain depth limit (§4.4
// rule 6).
const DefaultMaxChainDepth = 5

// WireScope is a capability proof's wire representation of a Scope — a
// plain (action, pattern) string pair, compiled lazily during validation.
type WireScope struct {
	Action  string `msgpack:"action"`
	Pattern string `msgpack:"pattern"`
}

// Proof is one link of a capability delegation chain (§4.4): issued by
// IssuerPubKey, optionally restricted to AudiencePubKey, valid within
// [NotBeforeUs, NotAfterUs], carrying Scopes narrower than or equal to its
// parent's.
type Proof struct {
	IssuerPubKey   []byte      `msgpack:"issuer"`
	AudiencePubKey []byte      `msgpack:"audience,omitempty"`
	Scopes         []WireScope `msgpack:"scopes"`
	NotBeforeUs    uint64      `msgpack:"nbf"`
	NotAfterUs     uint64      `msgpack:"naf"`
	Nonce          string      `msgpack:"nonce"`
	Signature      []byte      `msgpack:"sig"`
}

// signingBytes returns the bytes a proof's signature covers: every field
// except the signature itself, plus the SHA-256 digest of the parent
// proof's full wire encoding when present (§4.4: "signature_over
// (proof_fields ∧ parent_digest?)").
func signingBytes(p Proof, parentDigest []byte) ([]byte, error) {
	unsigned := p
	unsigned.Signature = nil
	body, err := msgpack.Marshal(unsigned)
	if err != nil {
		return nil, err
	}
	if parentDigest == nil {
		return body, nil
	}
	return append(body, parentDigest...), nil
}

func digestProof(raw []byte) []byte {
	sum := sha256.Sum256(raw)
	return sum[:]
}

// CapabilityValidator handles "cap_"-prefixed base64url-msgpack delegation
// chains signed with Ed25519 (§4.4).
type CapabilityValidator struct {
	TrustAnchors  []ed25519.PublicKey
	MaxChainDepth int
	Clock         func() time.Time
}

func NewCapabilityValidator(anchors []ed25519.PublicKey) *CapabilityValidator {
	return &CapabilityValidator{TrustAnchors: anchors, MaxChainDepth: DefaultMaxChainDepth, Clock: time.Now}
}

func (v *CapabilityValidator) Prefix() string { return "cap_" }

func (v *CapabilityValidator) Validate(token string) (ScopeSet, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token[len(v.Prefix()):])
	if err != nil {
		return nil, ErrChainInvalid
	}
	var chain []Proof
	if err := msgpack.Unmarshal(raw, &chain); err != nil {
		return nil, ErrChainInvalid
	}
	if len(chain) == 0 {
		return nil, ErrChainInvalid
	}
	maxDepth := v.MaxChainDepth
	if maxDepth == 0 {
		maxDepth = DefaultMaxChainDepth
	}
	if len(chain) > maxDepth { // rule 6
		return nil, ErrChainInvalid
	}

	now := time.Now()
	if v.Clock != nil {
		now = v.Clock()
	}
	nowUs := uint64(now.UnixMicro())

	root := chain[0]
	if !v.isTrustAnchor(root.IssuerPubKey) { // rule 1
		return nil, ErrChainInvalid
	}

	var parentDigest []byte
	var parent *Proof
	for i := range chain {
		p := &chain[i]

		sb, err := signingBytes(*p, parentDigest)
		if err != nil {
			return nil, ErrChainInvalid
		}
		if len(p.IssuerPubKey) != ed25519.PublicKeySize || !ed25519.Verify(p.IssuerPubKey, sb, p.Signature) { // rule 2
			return nil, ErrChainInvalid
		}

		if parent != nil {
			if len(parent.AudiencePubKey) != 0 && !bytesEqual(parent.AudiencePubKey, p.IssuerPubKey) { // rule 3
				return nil, ErrChainInvalid
			}
			childScopes, err := compileWireScopes(p.Scopes)
			if err != nil {
				return nil, ErrChainInvalid
			}
			parentScopes, err := compileWireScopes(parent.Scopes)
			if err != nil {
				return nil, ErrChainInvalid
			}
			if !Narrows(parentScopes, childScopes) { // rule 4
				return nil, ErrChainInvalid
			}
			if p.NotBeforeUs < parent.NotBeforeUs || p.NotAfterUs > parent.NotAfterUs { // rule 5
				return nil, ErrChainInvalid
			}
		}

		if nowUs < p.NotBeforeUs || nowUs > p.NotAfterUs { // rule 7
			return nil, ErrChainInvalid
		}

		raw, err := msgpack.Marshal(p)
		if err != nil {
			return nil, ErrChainInvalid
		}
		parentDigest = digestProof(raw)
		parent = p
	}

	final := chain[len(chain)-1]
	return compileWireScopes(final.Scopes)
}

func (v *CapabilityValidator) isTrustAnchor(pub []byte) bool {
	for _, anchor := range v.TrustAnchors {
		if bytesEqual(anchor, pub) {
			return true
		}
	}
	return false
}

func compileWireScopes(ws []WireScope) (ScopeSet, error) {
	out := make(ScopeSet, 0, len(ws))
	for _, s := range ws {
		action, ok := ParseAction(s.Action)
		if !ok {
			return nil, fmt.Errorf("capability: unknown action %q", s.Action)
		}
		pat, err := address.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("capability: bad pattern %q: %w", s.Pattern, err)
		}
		out = append(out, Scope{Action: action, Pattern: pat})
	}
	return out, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
