package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoffConfig returns the reconnection backoff used when a session
// enables reconnection without supplying a strategy.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLS option keys accepted in a session's transport security map.
const (
	TLSOptionMode               = "tls.mode"
	TLSOptionEnabled            = "tls.enabled"
	TLSOptionMutual             = "tls.mutual"
	TLSOptionCAFile             = "tls.ca_file"
	TLSOptionCertFile           = "tls.cert_file"
	TLSOptionKeyFile            = "tls.key_file"
	TLSOptionServerName         = "tls.server_name"
	TLSOptionInsecureSkipVerify = "tls.insecure_skip_verify"
)

// TLSConfig is the parsed form of the transport security option map.
type TLSConfig struct {
	Mode               SecurityMode
	Enabled            bool
	Mutual             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// ParseTLSOptions converts a key/value option map into a TLSConfig.
// Unknown keys are rejected so typos do not silently disable security.
func ParseTLSOptions(opts map[string]string) (TLSConfig, error) {
	cfg := TLSConfig{Mode: SecurityModeDevelopment}
	for rawKey, rawValue := range opts {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		value := strings.TrimSpace(rawValue)
		switch key {
		case TLSOptionMode:
			cfg.Mode = NormalizeSecurityMode(SecurityMode(value))
		case TLSOptionEnabled, TLSOptionMutual, TLSOptionInsecureSkipVerify:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return TLSConfig{}, fmt.Errorf("%w: %s=%q", ErrInvalidTLSOption, key, rawValue)
			}
			switch key {
			case TLSOptionEnabled:
				cfg.Enabled = b
			case TLSOptionMutual:
				cfg.Mutual = b
			default:
				cfg.InsecureSkipVerify = b
			}
		case TLSOptionCAFile:
			cfg.CAFile = value
		case TLSOptionCertFile:
			cfg.CertFile = value
		case TLSOptionKeyFile:
			cfg.KeyFile = value
		case TLSOptionServerName:
			cfg.ServerName = value
		default:
			return TLSConfig{}, fmt.Errorf("%w: unknown key %q", ErrInvalidTLSOption, rawKey)
		}
	}
	return cfg, nil
}
