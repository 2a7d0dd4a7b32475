package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/relayctl/internal/auth"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestBrokerTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "broker.toml")
	require.NoError(t, WriteTemplate(path, "broker", false))
	require.Error(t, WriteTemplate(path, "broker", false))
	require.NoError(t, WriteTemplate(path, "Broker", true))

	cfg, err := LoadBrokerConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":4100", cfg.ListenAddr)
	require.Equal(t, ":4101", cfg.AdminAddr)
	require.Equal(t, "change-me", cfg.Auth.Users["ops"])

	bc, err := cfg.Broker()
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, bc.MaxReconnectionTimeout)
	require.Equal(t, 256, bc.RecoveryBufferSize)
	require.EqualValues(t, 8388608, bc.MaxMessageSize)

	require.NoError(t, bc.Authenticator.Authenticate(auth.Credentials{}))
	require.NoError(t, bc.Authenticator.Authenticate(auth.Credentials{Principal: "ops", Kind: auth.KindPassword, Secret: []byte("change-me")}))
	require.ErrorIs(t, bc.Authenticator.Authenticate(auth.Credentials{Principal: "ops", Kind: auth.KindPassword, Secret: []byte("nope")}), auth.ErrUnauthorized)
}

func TestUnknownTemplate(t *testing.T) {
	testlog.Start(t)
	_, err := Template("ghost")
	require.Error(t, err)
	body, err := Template("client")
	require.NoError(t, err)
	require.Contains(t, body, "url = ")
}

func TestBrokerConfigDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadBrokerConfig(writeConfig(t, "admin_addr = \":9\"\n"))
	require.NoError(t, err)
	require.Equal(t, ":4100", cfg.ListenAddr)

	bc, err := cfg.Broker()
	require.NoError(t, err)
	require.IsType(t, auth.AllowAll{}, bc.Authenticator)
	require.Equal(t, 5*time.Second, bc.HandshakeTimeout)
}

func TestBrokerConfigTokenAuth(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadBrokerConfig(writeConfig(t, "[auth]\ntoken = \"s3cret\"\n"))
	require.NoError(t, err)
	bc, err := cfg.Broker()
	require.NoError(t, err)
	require.NoError(t, bc.Authenticator.Authenticate(auth.Credentials{Principal: "svc", Kind: auth.KindCustom, Secret: []byte("s3cret")}))
	require.Error(t, bc.Authenticator.Authenticate(auth.Credentials{}))
}

func TestBrokerConfigRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	tests := map[string]string{
		"bad duration":     "handshake_timeout = \"soon\"\n",
		"negative buffer":  "recovery_buffer_size = -1\n",
		"empty password":   "[auth.users]\nops = \"\"\n",
		"tls without cert": "[tls]\nenabled = true\n",
		"production plain": "[tls]\nmode = \"production\"\n",
		"malformed toml":   "listen_addr = \n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadBrokerConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
	_, err := LoadBrokerConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
