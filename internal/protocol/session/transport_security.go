package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrInvalidTLSOption        = errors.New("session: invalid tls option")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrMTLSRequired            = errors.New("session: mtls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
	ErrSchemeMismatch          = errors.New("session: tls options do not match endpoint scheme")
)

// Endpoint schemes a session can be opened against.
const (
	SchemePlain  = "tcp"
	SchemeSecure = "tls"
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	m := strings.ToLower(strings.TrimSpace(string(mode)))
	if m == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(m)
}

// ForEndpoint resolves c against the broker URL scheme. A tls:// endpoint
// always negotiates TLS; a tcp:// endpoint cannot carry TLS settings that
// would only apply to an encrypted connection.
func (c TLSConfig) ForEndpoint(scheme string) (TLSConfig, error) {
	switch strings.ToLower(scheme) {
	case SchemeSecure:
		c.Enabled = true
	case SchemePlain:
		if c.Enabled || c.Mutual {
			return TLSConfig{}, fmt.Errorf("%w: tls enabled for a %s:// endpoint, use %s://", ErrSchemeMismatch, SchemePlain, SchemeSecure)
		}
		if c.ServerName != "" || c.InsecureSkipVerify {
			return TLSConfig{}, fmt.Errorf("%w: server name or verification settings given for a %s:// endpoint", ErrSchemeMismatch, SchemePlain)
		}
	default:
		return TLSConfig{}, fmt.Errorf("%w: unknown scheme %q", ErrSchemeMismatch, scheme)
	}
	if err := c.ValidateClient(); err != nil {
		return TLSConfig{}, err
	}
	return c, nil
}

// tlsRule is one constraint on a TLSConfig.
type tlsRule func(c TLSConfig, mode SecurityMode) error

var clientRules = []tlsRule{
	knownMode,
	productionEncrypts,
	func(c TLSConfig, mode SecurityMode) error {
		if mode == SecurityModeProduction && c.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
		return nil
	},
	mutualEncrypts,
	func(c TLSConfig, _ SecurityMode) error {
		if c.Mutual {
			return keyPair(c)
		}
		return nil
	},
}

var serverRules = []tlsRule{
	knownMode,
	productionEncrypts,
	func(c TLSConfig, mode SecurityMode) error {
		if mode == SecurityModeProduction && !c.Mutual {
			return ErrMTLSRequired
		}
		return nil
	},
	mutualEncrypts,
	func(c TLSConfig, _ SecurityMode) error {
		if c.Enabled {
			return keyPair(c)
		}
		return nil
	},
	func(c TLSConfig, _ SecurityMode) error {
		if c.Mutual && strings.TrimSpace(c.CAFile) == "" {
			return ErrTLSCAFileRequired
		}
		return nil
	},
}

// ValidateClient checks the options a connecting session may use.
func (c TLSConfig) ValidateClient() error { return c.check(clientRules) }

// ValidateServer checks the options a listening broker may use.
func (c TLSConfig) ValidateServer() error { return c.check(serverRules) }

func (c TLSConfig) check(rules []tlsRule) error {
	mode := NormalizeSecurityMode(c.Mode)
	for _, rule := range rules {
		if err := rule(c, mode); err != nil {
			return err
		}
	}
	return nil
}

func knownMode(c TLSConfig, mode SecurityMode) error {
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.Mode)
}

func productionEncrypts(c TLSConfig, mode SecurityMode) error {
	if mode == SecurityModeProduction && !c.Enabled {
		return ErrTLSRequired
	}
	return nil
}

func mutualEncrypts(c TLSConfig, _ SecurityMode) error {
	if c.Mutual && !c.Enabled {
		return ErrTLSRequired
	}
	return nil
}

func keyPair(c TLSConfig) error {
	if strings.TrimSpace(c.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	return nil
}
