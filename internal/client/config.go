package client

import (
	"maps"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/protocol/session"
	"github.com/danmuck/relayctl/internal/transport"
)

const (
	DefaultRecoveryBufferSize  = 128
	DefaultConnectionTimeout   = 2 * time.Second
	MaxConnectionTimeout       = time.Hour
	MaximumMessageSizeMinimum  = 1024
	DefaultMaximumMessageSize  = math.MaxInt64
	DefaultMaximumQueueSize    = 1000
	DefaultReconnectionTimeout = 60 * time.Second
	DefaultRequestTimeout      = 30 * time.Second
)

// Credentials is the secret presented alongside a principal.
type Credentials struct {
	kind   string
	secret []byte
}

// NoCredentials marks a principal as deliberately unauthenticated.
func NoCredentials() *Credentials {
	return &Credentials{kind: session.CredentialsNone}
}

func PasswordCredentials(password string) *Credentials {
	return &Credentials{kind: session.CredentialsPassword, secret: []byte(password)}
}

func CustomCredentials(b []byte) *Credentials {
	return &Credentials{kind: session.CredentialsCustom, secret: append([]byte(nil), b...)}
}

func (c *Credentials) Kind() string {
	if c == nil {
		return ""
	}
	return c.kind
}

// ProxyConfig routes the session through an HTTP CONNECT proxy.
type ProxyConfig struct {
	Host           string
	Port           int
	Authentication transport.ProxyAuthentication
}

func (p ProxyConfig) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Config is the mutable session configuration. Start from DefaultConfig,
// adjust fields or use the setters, then Freeze.
type Config struct {
	Principal   string
	Credentials *Credentials

	// ReconnectionTimeout nil or negative disables reconnection.
	ReconnectionTimeout  *time.Duration
	ReconnectionStrategy session.ReconnectionStrategy

	// RecoveryBufferSize 0 disables recovery replay.
	RecoveryBufferSize int
	MaximumMessageSize uint64
	MaximumQueueSize   int
	ConnectionTimeout  time.Duration
	RequestTimeout     time.Duration

	TLSOptions map[string]string
	Properties map[string]string
	Proxy      *ProxyConfig
}

func DefaultConfig() Config {
	return Config{
		RecoveryBufferSize: DefaultRecoveryBufferSize,
		MaximumMessageSize: DefaultMaximumMessageSize,
		MaximumQueueSize:   DefaultMaximumQueueSize,
		ConnectionTimeout:  DefaultConnectionTimeout,
		RequestTimeout:     DefaultRequestTimeout,
	}
}

// SetPrincipal sets the identity and its credentials together.
func (c *Config) SetPrincipal(principal string, creds *Credentials) error {
	if err := validatePrincipal(principal, creds); err != nil {
		return err
	}
	c.Principal = principal
	c.Credentials = creds
	return nil
}

func (c *Config) SetMaximumMessageSize(n uint64) error {
	if n < MaximumMessageSizeMinimum {
		return invalidConfig("maximum message size %d below minimum %d", n, MaximumMessageSizeMinimum)
	}
	c.MaximumMessageSize = n
	return nil
}

func (c *Config) SetMaximumQueueSize(n int) error {
	if n < 1 {
		return invalidConfig("maximum queue size %d must be at least 1", n)
	}
	c.MaximumQueueSize = n
	return nil
}

func (c *Config) SetRecoveryBufferSize(n int) error {
	if n < 0 {
		return invalidConfig("recovery buffer size %d is negative", n)
	}
	c.RecoveryBufferSize = n
	return nil
}

// SetConnectionTimeout rejects negative values and clamps values above
// MaxConnectionTimeout with a warning.
func (c *Config) SetConnectionTimeout(d time.Duration) error {
	clamped, err := clampConnectionTimeout(d)
	if err != nil {
		return err
	}
	c.ConnectionTimeout = clamped
	return nil
}

// SetReconnectionTimeout enables reconnection with budget d. A negative d
// disables it.
func (c *Config) SetReconnectionTimeout(d time.Duration) {
	c.ReconnectionTimeout = &d
}

func (c *Config) DisableReconnection() {
	c.ReconnectionTimeout = nil
	c.ReconnectionStrategy = nil
}

func (c *Config) SetProperty(key, value string) error {
	if err := validatePropertyKey(key); err != nil {
		return err
	}
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	c.Properties[key] = value
	return nil
}

func (c *Config) SetTLSOption(key, value string) {
	if c.TLSOptions == nil {
		c.TLSOptions = make(map[string]string)
	}
	c.TLSOptions[key] = value
}

// Freeze validates c and returns the immutable configuration a session runs
// with. Later changes to c do not affect the result.
func (c Config) Freeze() (SessionConfiguration, error) {
	if err := validatePrincipal(c.Principal, c.Credentials); err != nil {
		return SessionConfiguration{}, err
	}
	if c.MaximumMessageSize < MaximumMessageSizeMinimum {
		return SessionConfiguration{}, invalidConfig("maximum message size %d below minimum %d", c.MaximumMessageSize, MaximumMessageSizeMinimum)
	}
	if c.MaximumMessageSize > DefaultMaximumMessageSize {
		return SessionConfiguration{}, invalidConfig("maximum message size %d above platform maximum", c.MaximumMessageSize)
	}
	if c.MaximumQueueSize < 1 {
		return SessionConfiguration{}, invalidConfig("maximum queue size %d must be at least 1", c.MaximumQueueSize)
	}
	if c.RecoveryBufferSize < 0 {
		return SessionConfiguration{}, invalidConfig("recovery buffer size %d is negative", c.RecoveryBufferSize)
	}
	if c.RequestTimeout < 0 {
		return SessionConfiguration{}, invalidConfig("request timeout %s is negative", c.RequestTimeout)
	}
	connTimeout := c.ConnectionTimeout
	if connTimeout == 0 {
		connTimeout = DefaultConnectionTimeout
	}
	connTimeout, err := clampConnectionTimeout(connTimeout)
	if err != nil {
		return SessionConfiguration{}, err
	}
	for k := range c.Properties {
		if err := validatePropertyKey(k); err != nil {
			return SessionConfiguration{}, err
		}
	}
	tlsCfg, err := session.ParseTLSOptions(c.TLSOptions)
	if err != nil {
		return SessionConfiguration{}, invalidConfig("%v", err)
	}
	if err := tlsCfg.ValidateClient(); err != nil {
		return SessionConfiguration{}, invalidConfig("%v", err)
	}
	var proxy *ProxyConfig
	if c.Proxy != nil {
		if strings.TrimSpace(c.Proxy.Host) == "" {
			return SessionConfiguration{}, invalidConfig("proxy host is empty")
		}
		if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
			return SessionConfiguration{}, invalidConfig("proxy port %d out of range", c.Proxy.Port)
		}
		p := *c.Proxy
		proxy = &p
	}

	frozen := SessionConfiguration{
		principal:          c.Principal,
		credentials:        c.Credentials,
		recoveryBufferSize: c.RecoveryBufferSize,
		maximumMessageSize: c.MaximumMessageSize,
		maximumQueueSize:   c.MaximumQueueSize,
		connectionTimeout:  connTimeout,
		requestTimeout:     c.RequestTimeout,
		tlsOptions:         maps.Clone(c.TLSOptions),
		tls:                tlsCfg,
		properties:         maps.Clone(c.Properties),
		proxy:              proxy,
	}
	if c.ReconnectionTimeout != nil && *c.ReconnectionTimeout >= 0 {
		frozen.reconnectionTimeout = *c.ReconnectionTimeout
		frozen.reconnectionEnabled = true
		frozen.reconnectionStrategy = c.ReconnectionStrategy
		if frozen.reconnectionStrategy == nil {
			frozen.reconnectionStrategy = session.NewBackoffStrategy(session.DefaultBackoffConfig())
		}
	}
	return frozen, nil
}

// SessionConfiguration is the frozen configuration of a session.
type SessionConfiguration struct {
	principal            string
	credentials          *Credentials
	reconnectionEnabled  bool
	reconnectionTimeout  time.Duration
	reconnectionStrategy session.ReconnectionStrategy
	recoveryBufferSize   int
	maximumMessageSize   uint64
	maximumQueueSize     int
	connectionTimeout    time.Duration
	requestTimeout       time.Duration
	tlsOptions           map[string]string
	tls                  session.TLSConfig
	properties           map[string]string
	proxy                *ProxyConfig
}

func (c SessionConfiguration) Principal() string { return c.principal }
func (c SessionConfiguration) Credentials() *Credentials { return c.credentials }
func (c SessionConfiguration) RecoveryBufferSize() int { return c.recoveryBufferSize }
func (c SessionConfiguration) MaximumMessageSize() uint64 { return c.maximumMessageSize }
func (c SessionConfiguration) MaximumQueueSize() int { return c.maximumQueueSize }

func (c SessionConfiguration) ConnectionTimeout() time.Duration { return c.connectionTimeout }
func (c SessionConfiguration) RequestTimeout() time.Duration { return c.requestTimeout }

// ReconnectionTimeout reports the reconnection budget and whether
// reconnection is enabled at all.
func (c SessionConfiguration) ReconnectionTimeout() (time.Duration, bool) {
	return c.reconnectionTimeout, c.reconnectionEnabled
}

func (c SessionConfiguration) ReconnectionStrategy() session.ReconnectionStrategy {
	return c.reconnectionStrategy
}

func (c SessionConfiguration) TLSOptions() map[string]string { return maps.Clone(c.tlsOptions) }
func (c SessionConfiguration) Properties() map[string]string { return maps.Clone(c.properties) }

func (c SessionConfiguration) Proxy() *ProxyConfig {
	if c.proxy == nil {
		return nil
	}
	p := *c.proxy
	return &p
}

// Mutable returns a Config seeded from c.
func (c SessionConfiguration) Mutable() Config {
	out := Config{
		Principal:            c.principal,
		Credentials:          c.credentials,
		ReconnectionStrategy: c.reconnectionStrategy,
		RecoveryBufferSize:   c.recoveryBufferSize,
		MaximumMessageSize:   c.maximumMessageSize,
		MaximumQueueSize:     c.maximumQueueSize,
		ConnectionTimeout:    c.connectionTimeout,
		RequestTimeout:       c.requestTimeout,
		TLSOptions:           maps.Clone(c.tlsOptions),
		Properties:           maps.Clone(c.properties),
		Proxy:                c.Proxy(),
	}
	if c.reconnectionEnabled {
		d := c.reconnectionTimeout
		out.ReconnectionTimeout = &d
	}
	return out
}

func (c SessionConfiguration) openRequest() session.OpenRequest {
	req := session.OpenRequest{
		Principal:      c.principal,
		Properties:     maps.Clone(c.properties),
		MaxMessageSize: c.maximumMessageSize,
	}
	if c.credentials != nil {
		req.CredentialsKind = c.credentials.kind
		req.Credentials = c.credentials.secret
	}
	if c.reconnectionEnabled {
		req.ReconnectionTimeoutMS = c.reconnectionTimeout.Milliseconds()
	} else {
		req.ReconnectionTimeoutMS = -1
	}
	return req
}

func clampConnectionTimeout(d time.Duration) (time.Duration, error) {
	if d < 0 {
		return 0, invalidConfig("connection timeout %s is negative", d)
	}
	if d > MaxConnectionTimeout {
		log.Warn().
			Dur("requested", d).
			Dur("clamped", MaxConnectionTimeout).
			Msg("client.Config connection timeout clamped")
		return MaxConnectionTimeout, nil
	}
	return d, nil
}

// A principal must carry credentials; NoCredentials() opts into an
// unauthenticated named session.
func validatePrincipal(principal string, creds *Credentials) error {
	if principal == "" {
		return nil
	}
	if strings.TrimSpace(principal) != principal {
		return invalidConfig("principal has surrounding whitespace")
	}
	for _, r := range principal {
		if unicode.IsControl(r) {
			return invalidConfig("principal contains control characters")
		}
	}
	if creds == nil {
		return invalidConfig("principal %q has no credentials", principal)
	}
	return nil
}

func validatePropertyKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return invalidConfig("empty session property key")
	}
	if strings.HasPrefix(key, "$") {
		return invalidConfig("session property %q uses reserved prefix '$'", key)
	}
	return nil
}
