package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/relayctl/internal/client"
	"github.com/danmuck/relayctl/internal/transport"
)

// fileProfile is a client connection profile on disk.
type fileProfile struct {
	URL                 string            `toml:"url"`
	Principal           string            `toml:"principal"`
	Password            string            `toml:"password"`
	Token               string            `toml:"token"`
	ReconnectionTimeout string            `toml:"reconnection_timeout"`
	RecoveryBufferSize  int               `toml:"recovery_buffer_size"`
	MaximumQueueSize    int               `toml:"maximum_queue_size"`
	MaximumMessageSize  uint64            `toml:"maximum_message_size"`
	ConnectionTimeout   string            `toml:"connection_timeout"`
	RequestTimeout      string            `toml:"request_timeout"`
	Properties          map[string]string `toml:"properties"`
	TLS                 map[string]string `toml:"tls"`
	Proxy               *fileProxy        `toml:"proxy"`
}

type fileProxy struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

type profile struct {
	URL    string
	Config client.Config
}

func defaultProfile() profile {
	return profile{URL: "tcp://localhost:4100", Config: client.DefaultConfig()}
}

func loadProfile(path string) (profile, error) {
	p := defaultProfile()

	var raw fileProfile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return profile{}, fmt.Errorf("load client profile: %w", err)
	}
	cfg := &p.Config

	if meta.IsDefined("url") {
		if u := strings.TrimSpace(raw.URL); u != "" {
			p.URL = u
		}
	}

	if meta.IsDefined("principal") {
		principal := strings.TrimSpace(raw.Principal)
		var creds *client.Credentials
		switch {
		case meta.IsDefined("password"):
			creds = client.PasswordCredentials(raw.Password)
		case meta.IsDefined("token"):
			creds = client.CustomCredentials([]byte(raw.Token))
		default:
			creds = client.NoCredentials()
		}
		if err := cfg.SetPrincipal(principal, creds); err != nil {
			return profile{}, fmt.Errorf("principal: %w", err)
		}
	}

	if meta.IsDefined("reconnection_timeout") {
		d, err := parseProfileDuration(raw.ReconnectionTimeout)
		if err != nil {
			return profile{}, fmt.Errorf("parse reconnection_timeout: %w", err)
		}
		cfg.SetReconnectionTimeout(d)
	}

	if meta.IsDefined("recovery_buffer_size") {
		if err := cfg.SetRecoveryBufferSize(raw.RecoveryBufferSize); err != nil {
			return profile{}, err
		}
	}

	if meta.IsDefined("maximum_queue_size") {
		if err := cfg.SetMaximumQueueSize(raw.MaximumQueueSize); err != nil {
			return profile{}, err
		}
	}

	if meta.IsDefined("maximum_message_size") {
		if err := cfg.SetMaximumMessageSize(raw.MaximumMessageSize); err != nil {
			return profile{}, err
		}
	}

	if meta.IsDefined("connection_timeout") {
		d, err := parseProfileDuration(raw.ConnectionTimeout)
		if err != nil {
			return profile{}, fmt.Errorf("parse connection_timeout: %w", err)
		}
		if err := cfg.SetConnectionTimeout(d); err != nil {
			return profile{}, err
		}
	}

	if meta.IsDefined("request_timeout") {
		d, err := parseProfileDuration(raw.RequestTimeout)
		if err != nil {
			return profile{}, fmt.Errorf("parse request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}

	for k, v := range raw.Properties {
		if err := cfg.SetProperty(k, v); err != nil {
			return profile{}, err
		}
	}

	for k, v := range raw.TLS {
		key := k
		if !strings.HasPrefix(key, "tls.") {
			key = "tls." + key
		}
		cfg.SetTLSOption(key, v)
	}

	if raw.Proxy != nil {
		proxy := &client.ProxyConfig{Host: strings.TrimSpace(raw.Proxy.Host), Port: raw.Proxy.Port}
		if meta.IsDefined("proxy", "user") {
			basic, err := transport.NewBasicProxyAuthentication(raw.Proxy.User, raw.Proxy.Password)
			if err != nil {
				return profile{}, fmt.Errorf("proxy credentials: %w", err)
			}
			proxy.Authentication = basic
		}
		cfg.Proxy = proxy
	}

	// Keep the normalized form: clamped timeouts, negative reconnection
	// budgets turned off.
	frozen, err := cfg.Freeze()
	if err != nil {
		return profile{}, err
	}
	p.Config = frozen.Mutable()
	return p, nil
}

func parseProfileDuration(raw string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(raw))
}
