// Package auth authenticates the principal a session opens with.
//
// It holds no storage; callers supply the credential source.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Credential kinds, matching the session handshake.
const (
	KindNone     = "none"
	KindPassword = "password"
	KindCustom   = "custom"
)

// Credentials is what a client presented in its open handshake.
type Credentials struct {
	Principal string
	Kind      string
	Secret    []byte
}

// Anonymous reports whether c carries no principal at all.
func (c Credentials) Anonymous() bool {
	return strings.TrimSpace(c.Principal) == ""
}

// Authenticator decides whether a principal may open a session.
type Authenticator interface {
	Authenticate(c Credentials) error
}

// AuthenticatorFunc adapts a function into an Authenticator.
type AuthenticatorFunc func(c Credentials) error

func (f AuthenticatorFunc) Authenticate(c Credentials) error {
	return f(c)
}

// AllowAll accepts every session. Development only.
type AllowAll struct{}

func (AllowAll) Authenticate(Credentials) error { return nil }

// Passwords checks password credentials against a principal table.
type Passwords map[string]string

func (p Passwords) Authenticate(c Credentials) error {
	if c.Kind != KindPassword {
		return fmt.Errorf("%w: %q requires password credentials", ErrUnauthorized, c.Principal)
	}
	want, ok := p[c.Principal]
	if !ok || want == "" {
		return fmt.Errorf("%w: unknown principal %q", ErrUnauthorized, c.Principal)
	}
	if subtle.ConstantTimeCompare([]byte(want), c.Secret) != 1 {
		return fmt.Errorf("%w: bad password for %q", ErrUnauthorized, c.Principal)
	}
	return nil
}

// StaticToken accepts custom credentials equal to one shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Authenticate(c Credentials) error {
	if s.Token == "" || c.Kind != KindCustom {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), c.Secret) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Anonymous accepts sessions without a principal and rejects the rest,
// which lets it lead an Any chain.
type Anonymous struct{}

func (Anonymous) Authenticate(c Credentials) error {
	if c.Anonymous() {
		return nil
	}
	return fmt.Errorf("%w: %q is not anonymous", ErrUnauthorized, c.Principal)
}

// Any accepts credentials when at least one authenticator does.
func Any(auths ...Authenticator) Authenticator {
	return AuthenticatorFunc(func(c Credentials) error {
		for _, a := range auths {
			if a.Authenticate(c) == nil {
				return nil
			}
		}
		return fmt.Errorf("%w: %q", ErrUnauthorized, c.Principal)
	})
}
