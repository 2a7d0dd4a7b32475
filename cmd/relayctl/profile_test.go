package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/relayctl/internal/broker"
	"github.com/danmuck/relayctl/internal/client"
	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadProfileTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, config.WriteTemplate(path, "client", false))

	p, err := loadProfile(path)
	require.NoError(t, err)
	require.Equal(t, "tcp://localhost:4100", p.URL)

	frozen, err := p.Config.Freeze()
	require.NoError(t, err)
	require.Equal(t, "ops", frozen.Principal())
	require.Equal(t, "password", frozen.Credentials().Kind())
	budget, enabled := frozen.ReconnectionTimeout()
	require.True(t, enabled)
	require.Equal(t, time.Minute, budget)
	require.Equal(t, 30*time.Second, frozen.RequestTimeout())
	require.Equal(t, "operator", frozen.Properties()["role"])
}

func TestLoadProfileKeepsDefaultsForMissingKeys(t *testing.T) {
	testlog.Start(t)
	p, err := loadProfile(writeProfile(t, "recovery_buffer_size = 0\n"))
	require.NoError(t, err)
	require.Equal(t, "tcp://localhost:4100", p.URL)
	require.Zero(t, p.Config.RecoveryBufferSize)
	require.Equal(t, client.DefaultMaximumQueueSize, p.Config.MaximumQueueSize)
	require.Nil(t, p.Config.ReconnectionTimeout)
}

func TestLoadProfileNormalizes(t *testing.T) {
	testlog.Start(t)
	p, err := loadProfile(writeProfile(t, "reconnection_timeout = \"-1s\"\nconnection_timeout = \"3h\"\n"))
	require.NoError(t, err)
	require.Nil(t, p.Config.ReconnectionTimeout)
	require.Equal(t, client.MaxConnectionTimeout, p.Config.ConnectionTimeout)
}

func TestLoadProfileTLSAndProxy(t *testing.T) {
	testlog.Start(t)
	p, err := loadProfile(writeProfile(t, `
url = "tls://broker:4100"
principal = "svc"
token = "abc"

[tls]
enabled = "true"
"tls.server_name" = "broker"

[proxy]
host = "proxy"
port = 3128
user = "u"
password = "p"
`))
	require.NoError(t, err)
	require.Equal(t, "tls://broker:4100", p.URL)
	require.Equal(t, "true", p.Config.TLSOptions["tls.enabled"])
	require.Equal(t, "broker", p.Config.TLSOptions["tls.server_name"])
	require.NotNil(t, p.Config.Proxy)
	require.Equal(t, "proxy:3128", p.Config.Proxy.Address())
	require.NotNil(t, p.Config.Proxy.Authentication)
	require.Equal(t, "custom", p.Config.Credentials.Kind())
}

func TestLoadProfileRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	for name, body := range map[string]string{
		"bad duration":       "request_timeout = \"later\"\n",
		"zero queue":         "maximum_queue_size = 0\n",
		"tiny messages":      "maximum_message_size = 10\n",
		"reserved property":  "[properties]\n\"$Principal\" = \"x\"\n",
		"unknown tls option": "[tls]\nbogus = \"1\"\n",
		"proxy user colon":   "[proxy]\nhost = \"p\"\nport = 1\nuser = \"a:b\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := loadProfile(writeProfile(t, body))
			require.Error(t, err)
		})
	}
}

func TestDestinationAndPairs(t *testing.T) {
	testlog.Start(t)
	_, err := destination("", "")
	require.Error(t, err)
	_, err = destination("a", "b is 'c'")
	require.Error(t, err)
	d, err := destination("", "b is 'c'")
	require.NoError(t, err)
	require.True(t, d.IsFilter())

	kv, err := pairs([]string{"a=1", "b==2"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "=2"}, kv)
	_, err = pairs([]string{"novalue"})
	require.Error(t, err)
}

func TestRequestCommandAgainstBroker(t *testing.T) {
	testlog.Start(t)
	cfg := broker.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	logger := testlog.Logger(t)
	cfg.Logger = &logger
	b := broker.New(cfg)
	ln, err := b.Listen()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Serve(ctx, ln) }()
	t.Cleanup(func() { _ = b.Close() })
	url := "tcp://" + ln.Addr().String()

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	hcfg := client.DefaultConfig()
	require.NoError(t, hcfg.SetProperty("role", "echo"))
	handler, err := client.Dial(dialCtx, url, hcfg)
	require.NoError(t, err)
	t.Cleanup(handler.Close)
	_, err = handler.AddRequestHandler(dialCtx, "echo", client.RequestHandlerFunc(func(_ client.RequestContext, payload []byte, r client.Responder) {
		_ = r.Respond(payload)
	}))
	require.NoError(t, err)

	run := func(args ...string) (string, error) {
		var out, errOut bytes.Buffer
		a := app()
		a.Writer = &out
		a.ErrWriter = &errOut
		err := a.Run(append([]string{"relayctl", "--url", url}, args...))
		return out.String(), err
	}

	out, err := run("request", "--path", "echo", "--session", handler.ID(), "--payload", "hi", "--count", "2", "--rate", "50")
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(out, handler.ID()+": hi"), out)

	out, err = run("request", "--path", "echo", "--filter", "role is 'echo'", "--payload", "yo")
	require.NoError(t, err)
	require.Contains(t, out, "matched 1 sessions")
	require.Contains(t, out, handler.ID()+": yo")

	_, err = run("request", "--path", "echo", "--filter", "role is")
	require.Error(t, err)
}
