package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/relayctl/internal/auth"
	"github.com/danmuck/relayctl/internal/broker"
	"github.com/danmuck/relayctl/internal/protocol/session"
)

// BrokerConfig is the on-disk form of a broker's settings.
type BrokerConfig struct {
	ListenAddr string    `toml:"listen_addr"`
	AdminAddr  string    `toml:"admin_addr"`
	TLS        TLSConfig `toml:"tls"`

	HandshakeTimeout       string `toml:"handshake_timeout"`
	WriteTimeout           string `toml:"write_timeout"`
	MaxReconnectionTimeout string `toml:"max_reconnection_timeout"`
	RecoveryBufferSize     int    `toml:"recovery_buffer_size"`
	MaxMessageSize         uint64 `toml:"max_message_size"`

	Auth AuthConfig `toml:"auth"`
}

type TLSConfig struct {
	Mode     string `toml:"mode"`
	Enabled  bool   `toml:"enabled"`
	Mutual   bool   `toml:"mutual"`
	CAFile   string `toml:"ca_file"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// AuthConfig selects how principals are checked. With nothing set every
// session is accepted.
type AuthConfig struct {
	AllowAnonymous bool              `toml:"allow_anonymous"`
	Users          map[string]string `toml:"users"`
	Token          string            `toml:"token"`
}

func LoadBrokerConfig(path string) (BrokerConfig, error) {
	var cfg BrokerConfig
	if err := loadToml(path, &cfg); err != nil {
		return BrokerConfig{}, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = broker.DefaultConfig().ListenAddr
	}
	if err := ValidateBrokerConfig(cfg); err != nil {
		return BrokerConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateBrokerConfig(cfg BrokerConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("broker config missing listen_addr")
	}
	if cfg.RecoveryBufferSize < 0 {
		return fmt.Errorf("broker config recovery_buffer_size must not be negative")
	}
	for name, raw := range map[string]string{
		"handshake_timeout":        cfg.HandshakeTimeout,
		"write_timeout":            cfg.WriteTimeout,
		"max_reconnection_timeout": cfg.MaxReconnectionTimeout,
	} {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("broker config %s invalid: %w", name, err)
		}
	}
	for user, pw := range cfg.Auth.Users {
		if strings.TrimSpace(user) == "" || pw == "" {
			return fmt.Errorf("broker config auth.users entries need a name and password")
		}
	}
	if err := cfg.TLS.session().ValidateServer(); err != nil {
		return fmt.Errorf("broker config tls invalid: %w", err)
	}
	return nil
}

// Broker converts the file form into a broker.Config. Unset values keep
// broker defaults.
func (c BrokerConfig) Broker() (broker.Config, error) {
	if err := ValidateBrokerConfig(c); err != nil {
		return broker.Config{}, err
	}
	out := broker.DefaultConfig()
	out.ListenAddr = c.ListenAddr
	out.AdminAddr = c.AdminAddr
	out.TLS = c.TLS.session()
	out.Authenticator = c.Auth.authenticator()
	if c.RecoveryBufferSize > 0 {
		out.RecoveryBufferSize = c.RecoveryBufferSize
	}
	if c.MaxMessageSize > 0 {
		out.MaxMessageSize = c.MaxMessageSize
	}
	if d, _ := parseDuration(c.HandshakeTimeout); d > 0 {
		out.HandshakeTimeout = d
	}
	if d, _ := parseDuration(c.WriteTimeout); d > 0 {
		out.WriteTimeout = d
	}
	if d, _ := parseDuration(c.MaxReconnectionTimeout); d > 0 {
		out.MaxReconnectionTimeout = d
	}
	return out, nil
}

func (t TLSConfig) session() session.TLSConfig {
	return session.TLSConfig{
		Mode:     session.NormalizeSecurityMode(session.SecurityMode(t.Mode)),
		Enabled:  t.Enabled,
		Mutual:   t.Mutual,
		CAFile:   strings.TrimSpace(t.CAFile),
		CertFile: strings.TrimSpace(t.CertFile),
		KeyFile:  strings.TrimSpace(t.KeyFile),
	}
}

func (a AuthConfig) authenticator() auth.Authenticator {
	var chain []auth.Authenticator
	if len(a.Users) > 0 {
		chain = append(chain, auth.Passwords(a.Users))
	}
	if a.Token != "" {
		chain = append(chain, auth.StaticToken{Token: a.Token})
	}
	if len(chain) == 0 {
		return auth.AllowAll{}
	}
	if a.AllowAnonymous {
		chain = append([]auth.Authenticator{auth.Anonymous{}}, chain...)
	}
	return auth.Any(chain...)
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}
