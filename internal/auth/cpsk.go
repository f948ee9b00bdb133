package auth

import "time"

// CredentialStore looks up a pre-shared-key token's scopes and optional
// expiry. Injected per §6 "Token stores".
type CredentialStore interface {
	Lookup(token string) (scopes ScopeSet, notAfter *time.Time, ok bool)
}

// CPSKValidator handles "cpsk_"-prefixed tokens against a server-stored
// credential (§4.4).
type CPSKValidator struct {
	Store CredentialStore
	Clock func() time.Time
}

func NewCPSKValidator(store CredentialStore) *CPSKValidator {
	return &CPSKValidator{Store: store, Clock: time.Now}
}

func (v *CPSKValidator) Prefix() string { return "cpsk_" }

func (v *CPSKValidator) Validate(token string) (ScopeSet, error) {
	scopes, notAfter, ok := v.Store.Lookup(token)
	if !ok {
		return nil, ErrAuthDenied
	}
	now := time.Now()
	if v.Clock != nil {
		now = v.Clock()
	}
	if notAfter != nil && now.After(*notAfter) {
		return nil, ErrTokenExpired
	}
	return scopes, nil
}
