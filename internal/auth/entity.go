package auth

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// EntityStatus is the lifecycle state of a registered entity.
type EntityStatus uint8

const (
	EntityActive EntityStatus = iota
	EntitySuspended
	EntityRevoked
)

// Entity is a registered identity an "ent_" token can assert.
type Entity struct {
	ID        string
	PublicKey ed25519.PublicKey
	Status    EntityStatus
	Scopes    ScopeSet
}

// EntityRegistry looks up entities by id, injected per §6 "Token stores".
type EntityRegistry interface {
	Lookup(entityID string) (Entity, bool)
}

// entityClaims is the JWT claim set for an "ent_" token: entity_id,
// minted_at, standard registered claims for expiry via golang-jwt.
type entityClaims struct {
	EntityID string `json:"entity_id"`
	MintedAt int64  `json:"minted_at"`
	jwt.RegisteredClaims
}

// EntityValidator handles "ent_"-prefixed tokens: an EdDSA-signed JWT
// asserting an entity identity, verified against the registry's key
// (§4.4).
type EntityValidator struct {
	Registry EntityRegistry
	MaxAge   time.Duration // configured maximum token age; 0 disables the check
	Clock    func() time.Time
}

func NewEntityValidator(registry EntityRegistry, maxAge time.Duration) *EntityValidator {
	return &EntityValidator{Registry: registry, MaxAge: maxAge, Clock: time.Now}
}

func (v *EntityValidator) Prefix() string { return "ent_" }

var errEntityTokenMalformed = errors.New("auth: entity token malformed")

func (v *EntityValidator) Validate(token string) (ScopeSet, error) {
	raw := token[len(v.Prefix()):]

	// Parse unverified first to learn which entity's key to verify against.
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"EdDSA"}))
	unverified := &entityClaims{}
	if _, _, err := parser.ParseUnverified(raw, unverified); err != nil {
		return nil, errEntityTokenMalformed
	}
	if unverified.EntityID == "" {
		return nil, errEntityTokenMalformed
	}

	entity, ok := v.Registry.Lookup(unverified.EntityID)
	if !ok {
		return nil, ErrAuthDenied
	}
	if entity.Status != EntityActive {
		return nil, ErrAuthDenied
	}

	claims := &entityClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return entity.PublicKey, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return nil, ErrAuthDenied
	}

	now := time.Now()
	if v.Clock != nil {
		now = v.Clock()
	}
	if v.MaxAge > 0 {
		age := now.Sub(time.Unix(claims.MintedAt, 0))
		if age > v.MaxAge {
			return nil, ErrTokenExpired
		}
	}

	return entity.Scopes, nil
}
