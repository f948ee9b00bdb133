// Package auth implements CLASP's scoped token validator chain (§4.4): a
// chain dispatched by token prefix (cpsk_/cap_/ent_), each resolving to a
// set of scopes checked on every operation.
package auth

import (
	"errors"

	"github.com/lumencanvas/clasp-sub004/internal/address"
)

// Action is one of read < write < admin, forming a total order (§3).
type Action uint8

const (
	ActionRead Action = iota
	ActionWrite
	ActionAdmin
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseAction maps a wire string to an Action.
func ParseAction(s string) (Action, bool) {
	switch s {
	case "read":
		return ActionRead, true
	case "write":
		return ActionWrite, true
	case "admin":
		return ActionAdmin, true
	default:
		return 0, false
	}
}

// Scope grants Action and all weaker actions on every concrete address
// matched by Pattern (§3).
type Scope struct {
	Action  Action
	Pattern address.Pattern
}

// ScopeSet is the immutable set of scopes resolved for a session at
// handshake (§3).
type ScopeSet []Scope

// Permits reports whether some scope in the set grants `required` (or a
// stronger action) on `addr` (§4.4's "scope check").
func (s ScopeSet) Permits(required Action, addr string) bool {
	for _, sc := range s {
		if sc.Action >= required && sc.Pattern.Matches(addr) {
			return true
		}
	}
	return false
}

// AdminOpen is the scope set granted when no token is supplied and the
// router runs in open mode (§4.4): admin on every address.
func AdminOpen() ScopeSet {
	p, _ := address.Compile("/**")
	return ScopeSet{{Action: ActionAdmin, Pattern: p}}
}

// Narrows reports whether every (action, address) permitted by child is
// also permitted by parent — P4's scope-narrowing property, lifted to
// whole scope sets via per-scope pattern subsumption (§4.4 rule 4).
func Narrows(parent, child ScopeSet) bool {
	for _, c := range child {
		if !subsumedByAny(parent, c) {
			return false
		}
	}
	return true
}

func subsumedByAny(parent ScopeSet, c Scope) bool {
	for _, p := range parent {
		if c.Action <= p.Action && address.Subsumes(p.Pattern, c.Pattern) {
			return true
		}
	}
	return false
}

// Errors shared by every validator in the chain (§7).
var (
	ErrAuthDenied   = errors.New("auth: denied")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrChainInvalid = errors.New("auth: capability chain invalid")
)

// Validator resolves a token of the prefix it handles into a ScopeSet.
type Validator interface {
	// Prefix is the token prefix this validator handles, e.g. "cpsk_".
	Prefix() string
	Validate(token string) (ScopeSet, error)
}

// Chain dispatches a token to the validator registered for its prefix.
type Chain struct {
	validators []Validator
}

func NewChain(validators ...Validator) *Chain {
	return &Chain{validators: validators}
}

// Validate resolves a token's scopes. It returns ErrAuthDenied if no
// validator claims the token's prefix; if the owning validator rejects the
// token, its error (e.g. ErrTokenExpired, ErrChainInvalid) is returned
// unchanged.
func (c *Chain) Validate(token string) (ScopeSet, error) {
	for _, v := range c.validators {
		if hasPrefix(token, v.Prefix()) {
			scopes, err := v.Validate(token)
			if err != nil {
				return nil, err
			}
			return scopes, nil
		}
	}
	return nil, ErrAuthDenied
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
