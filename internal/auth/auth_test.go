package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type memCredentials map[string]ScopeSet

func (m memCredentials) Lookup(token string) (ScopeSet, *time.Time, bool) {
	s, ok := m[token]
	return s, nil, ok
}

func mustPattern(t *testing.T, s string) ScopeSet {
	t.Helper()
	ws := []WireScope{{Action: "write", Pattern: s}}
	sc, err := compileWireScopes(ws)
	if err != nil {
		t.Fatalf("compileWireScopes: %v", err)
	}
	return sc
}

func TestCPSKValidator(t *testing.T) {
	store := memCredentials{"cpsk_abc": mustPattern(t, "/lights/**")}
	v := NewCPSKValidator(store)
	scopes, err := v.Validate("cpsk_abc")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !scopes.Permits(ActionWrite, "/lights/zone-1") {
		t.Fatalf("expected write permission on /lights/zone-1")
	}
	if scopes.Permits(ActionWrite, "/audio/zone-1") {
		t.Fatalf("unexpected write permission on /audio/zone-1")
	}
}

func signProof(t *testing.T, priv ed25519.PrivateKey, p Proof, parentDigest []byte) Proof {
	t.Helper()
	sb, err := signingBytes(p, parentDigest)
	if err != nil {
		t.Fatalf("signingBytes: %v", err)
	}
	p.Signature = ed25519.Sign(priv, sb)
	return p
}

func TestCapabilityChainNarrowingRejection(t *testing.T) {
	rootPub, rootPriv, _ := ed25519.GenerateKey(nil)
	now := uint64(time.Now().UnixMicro())

	root := Proof{
		IssuerPubKey: rootPub,
		Scopes:       []WireScope{{Action: "write", Pattern: "/lights/**"}},
		NotBeforeUs:  now - 1_000_000,
		NotAfterUs:   now + 1_000_000_000,
		Nonce:        "n1",
	}
	root = signProof(t, rootPriv, root, nil)

	rootRaw, _ := msgpack.Marshal(&root)
	digest := digestProof(rootRaw)

	// Attempt to delegate a *wider* scope (audio instead of lights) — must
	// be rejected per scenario 4.
	childPub, childPriv, _ := ed25519.GenerateKey(nil)
	bad := Proof{
		IssuerPubKey: childPub,
		Scopes:       []WireScope{{Action: "write", Pattern: "/audio/**"}},
		NotBeforeUs:  root.NotBeforeUs,
		NotAfterUs:   root.NotAfterUs,
		Nonce:        "n2",
	}
	bad = signProof(t, childPriv, bad, digest)

	v := NewCapabilityValidator([]ed25519.PublicKey{rootPub})
	chain := []Proof{root, bad}
	raw, _ := msgpack.Marshal(chain)
	token := "cap_" + encodeB64URL(raw)

	if _, err := v.Validate(token); err != ErrChainInvalid {
		t.Fatalf("expected ErrChainInvalid for scope-widening delegation, got %v", err)
	}
}

func TestCapabilityChainValidNarrowing(t *testing.T) {
	rootPub, rootPriv, _ := ed25519.GenerateKey(nil)
	now := uint64(time.Now().UnixMicro())

	root := Proof{
		IssuerPubKey: rootPub,
		Scopes:       []WireScope{{Action: "write", Pattern: "/lights/**"}},
		NotBeforeUs:  now - 1_000_000,
		NotAfterUs:   now + 1_000_000_000,
		Nonce:        "n1",
	}
	root = signProof(t, rootPriv, root, nil)
	rootRaw, _ := msgpack.Marshal(&root)
	digest := digestProof(rootRaw)

	childPub, childPriv, _ := ed25519.GenerateKey(nil)
	good := Proof{
		IssuerPubKey: childPub,
		Scopes:       []WireScope{{Action: "read", Pattern: "/lights/zone-1"}},
		NotBeforeUs:  root.NotBeforeUs,
		NotAfterUs:   root.NotAfterUs,
		Nonce:        "n2",
	}
	good = signProof(t, childPriv, good, digest)

	v := NewCapabilityValidator([]ed25519.PublicKey{rootPub})
	chain := []Proof{root, good}
	raw, _ := msgpack.Marshal(chain)
	token := "cap_" + encodeB64URL(raw)

	scopes, err := v.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !scopes.Permits(ActionRead, "/lights/zone-1") {
		t.Fatalf("expected read on /lights/zone-1")
	}
	if scopes.Permits(ActionWrite, "/lights/zone-1") {
		t.Fatalf("should not have write permission")
	}
}

func encodeB64URL(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
