package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

func TestFreezeValidation(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "message size below minimum", mutate: func(c *Config) { c.MaximumMessageSize = MaximumMessageSizeMinimum - 1 }},
		{name: "zero queue", mutate: func(c *Config) { c.MaximumQueueSize = 0 }},
		{name: "negative recovery buffer", mutate: func(c *Config) { c.RecoveryBufferSize = -1 }},
		{name: "negative connection timeout", mutate: func(c *Config) { c.ConnectionTimeout = -time.Second }},
		{name: "negative request timeout", mutate: func(c *Config) { c.RequestTimeout = -time.Second }},
		{name: "principal without credentials", mutate: func(c *Config) { c.Principal = "alice" }},
		{name: "principal with whitespace", mutate: func(c *Config) {
			c.Principal = " alice"
			c.Credentials = NoCredentials()
		}},
		{name: "reserved property", mutate: func(c *Config) { c.Properties = map[string]string{"$Principal": "x"} }},
		{name: "unknown tls option", mutate: func(c *Config) { c.TLSOptions = map[string]string{"bogus": "1"} }},
		{name: "proxy without host", mutate: func(c *Config) { c.Proxy = &ProxyConfig{Port: 3128} }},
		{name: "proxy port out of range", mutate: func(c *Config) { c.Proxy = &ProxyConfig{Host: "proxy", Port: 70000} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			_, err := cfg.Freeze()
			require.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestFreezeDefaults(t *testing.T) {
	testlog.Start(t)
	frozen, err := DefaultConfig().Freeze()
	require.NoError(t, err)

	require.Equal(t, DefaultRecoveryBufferSize, frozen.RecoveryBufferSize())
	require.Equal(t, DefaultMaximumQueueSize, frozen.MaximumQueueSize())
	require.EqualValues(t, DefaultMaximumMessageSize, frozen.MaximumMessageSize())
	require.Equal(t, DefaultConnectionTimeout, frozen.ConnectionTimeout())
	_, enabled := frozen.ReconnectionTimeout()
	require.False(t, enabled)
	require.Nil(t, frozen.ReconnectionStrategy())
	require.Nil(t, frozen.Proxy())
}

func TestFreezeIsolatesLaterChanges(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	require.NoError(t, cfg.SetProperty("zone", "eu"))
	cfg.SetReconnectionTimeout(time.Minute)
	frozen, err := cfg.Freeze()
	require.NoError(t, err)

	cfg.Properties["zone"] = "us"
	props := frozen.Properties()
	require.Equal(t, "eu", props["zone"])
	props["zone"] = "ap"
	require.Equal(t, "eu", frozen.Properties()["zone"])

	budget, enabled := frozen.ReconnectionTimeout()
	require.True(t, enabled)
	require.Equal(t, time.Minute, budget)
	require.NotNil(t, frozen.ReconnectionStrategy())

	again, err := frozen.Mutable().Freeze()
	require.NoError(t, err)
	require.Equal(t, frozen.Properties(), again.Properties())
	budget, enabled = again.ReconnectionTimeout()
	require.True(t, enabled)
	require.Equal(t, time.Minute, budget)
}

func TestConfigSetters(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()

	require.ErrorIs(t, cfg.SetMaximumMessageSize(10), ErrInvalidConfiguration)
	require.NoError(t, cfg.SetMaximumMessageSize(4096))
	require.ErrorIs(t, cfg.SetMaximumQueueSize(0), ErrInvalidConfiguration)
	require.ErrorIs(t, cfg.SetRecoveryBufferSize(-1), ErrInvalidConfiguration)
	require.NoError(t, cfg.SetRecoveryBufferSize(0))
	require.ErrorIs(t, cfg.SetProperty("$SessionId", "x"), ErrInvalidConfiguration)
	require.ErrorIs(t, cfg.SetPrincipal("bob", nil), ErrInvalidConfiguration)
	require.NoError(t, cfg.SetPrincipal("bob", NoCredentials()))

	require.ErrorIs(t, cfg.SetConnectionTimeout(-time.Second), ErrInvalidConfiguration)
	require.NoError(t, cfg.SetConnectionTimeout(2*MaxConnectionTimeout))
	require.Equal(t, MaxConnectionTimeout, cfg.ConnectionTimeout)

	cfg.SetReconnectionTimeout(-time.Second)
	frozen, err := cfg.Freeze()
	require.NoError(t, err)
	_, enabled := frozen.ReconnectionTimeout()
	require.False(t, enabled)
	require.Equal(t, "bob", frozen.Principal())
	require.Equal(t, "none", frozen.Credentials().Kind())
	require.Zero(t, frozen.RecoveryBufferSize())
}

func TestOpenRequestCarriesReconnectionBudget(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	require.NoError(t, cfg.SetPrincipal("alice", PasswordCredentials("pw")))
	frozen, err := cfg.Freeze()
	require.NoError(t, err)
	req := frozen.openRequest()
	require.EqualValues(t, -1, req.ReconnectionTimeoutMS)
	require.Equal(t, "password", req.CredentialsKind)
	require.Equal(t, []byte("pw"), req.Credentials)
	require.NoError(t, req.Validate())

	cfg.SetReconnectionTimeout(1500 * time.Millisecond)
	frozen, err = cfg.Freeze()
	require.NoError(t, err)
	require.EqualValues(t, 1500, frozen.openRequest().ReconnectionTimeoutMS)
}
