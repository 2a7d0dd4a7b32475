package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/danmuck/relayctl/internal/broker"
	"github.com/danmuck/relayctl/internal/client"
	"github.com/danmuck/relayctl/internal/config"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run a relay broker",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "broker config TOML"},
			&cli.StringFlag{Name: "listen", Usage: "session listen address, overrides the config"},
			&cli.StringFlag{Name: "admin", Usage: "admin listen address, overrides the config"},
		},
		Action: func(c *cli.Context) error {
			cfg := broker.DefaultConfig()
			if path := c.String("config"); path != "" {
				fileCfg, err := config.LoadBrokerConfig(path)
				if err != nil {
					return err
				}
				if cfg, err = fileCfg.Broker(); err != nil {
					return err
				}
			}
			if v := c.String("listen"); v != "" {
				cfg.ListenAddr = v
			}
			if v := c.String("admin"); v != "" {
				cfg.AdminAddr = v
			}
			ctx, stop := signalContext(c.Context)
			defer stop()
			return broker.New(cfg).ListenAndServe(ctx)
		},
	}
}

func handleCommand() *cli.Command {
	return &cli.Command{
		Name:  "handle",
		Usage: "Register an echo handler for a path and serve requests until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Usage: "handler branch", Required: true},
			&cli.StringSliceFlag{Name: "property", Usage: "session property KEY=VALUE"},
			&cli.StringSliceFlag{Name: "want", Usage: "requester property to receive with each request"},
		},
		Action: func(c *cli.Context) error {
			p, err := resolveProfile(c)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(c.Context)
			defer stop()

			s, err := client.Dial(ctx, p.URL, p.Config)
			if err != nil {
				return err
			}
			defer s.Close()

			out := c.App.Writer
			var mu sync.Mutex
			handler := client.RequestHandlerFunc(func(req client.RequestContext, payload []byte, r client.Responder) {
				mu.Lock()
				fmt.Fprintf(out, "%s %s %q %v\n", req.From, req.Path, payload, req.Properties)
				mu.Unlock()
				if err := r.Respond(payload); err != nil {
					log.Warn().Err(err).Str("from", req.From).Msg("relayctl.handle respond failed")
				}
			})
			if _, err := s.AddRequestHandler(ctx, c.String("path"), handler, client.WithSessionProperties(c.StringSlice("want")...)); err != nil {
				return err
			}
			log.Info().Str("session_id", s.ID()).Str("path", c.String("path")).Msg("relayctl.handle serving")

			select {
			case <-ctx.Done():
				return nil
			case <-s.Done():
				return s.Err()
			}
		},
	}
}

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:  "request",
		Usage: "Send requests to a session or filter and print the responses",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Usage: "request path", Required: true},
			&cli.StringFlag{Name: "session", Usage: "target session id"},
			&cli.StringFlag{Name: "filter", Usage: "target filter expression"},
			&cli.StringFlag{Name: "payload", Usage: "request payload"},
			&cli.StringSliceFlag{Name: "header", Usage: "header KEY=VALUE"},
			&cli.StringSliceFlag{Name: "property", Usage: "session property KEY=VALUE"},
			&cli.IntFlag{Name: "count", Value: 1, Usage: "number of requests"},
			&cli.Float64Flag{Name: "rate", Usage: "requests per second, 0 for no limit"},
			&cli.DurationFlag{Name: "wait", Value: 30 * time.Second, Usage: "how long to wait for each request to finish"},
		},
		Action: func(c *cli.Context) error {
			dest, err := destination(c.String("session"), c.String("filter"))
			if err != nil {
				return err
			}
			headers, err := pairs(c.StringSlice("header"))
			if err != nil {
				return err
			}
			p, err := resolveProfile(c)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(c.Context)
			defer stop()

			s, err := client.Dial(ctx, p.URL, p.Config)
			if err != nil {
				return err
			}
			defer s.Close()

			limit := rate.Inf
			if r := c.Float64("rate"); r > 0 {
				limit = rate.Limit(r)
			}
			limiter := rate.NewLimiter(limit, 1)

			req := client.Request{
				Path:    c.String("path"),
				Payload: []byte(c.String("payload")),
				Options: client.SendOptions{Headers: headers},
			}
			var failures int
			for i := range c.Int("count") {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				if err := sendOne(ctx, s, req, dest, c.Duration("wait"), func(line string) {
					fmt.Fprintf(c.App.Writer, "[%d] %s\n", i+1, line)
				}); err != nil {
					failures++
					fmt.Fprintf(c.App.ErrWriter, "[%d] %v\n", i+1, err)
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d requests failed", failures, c.Int("count"))
			}
			return nil
		},
	}
}

// sendOne issues one request and waits until every expected answer
// arrived.
func sendOne(ctx context.Context, s *client.Session, req client.Request, dest client.Destination, wait time.Duration, emit func(string)) error {
	events := make(chan error, 16)
	expected := make(chan int, 1)
	stream := client.StreamFuncs{
		Response: func(from string, payload []byte) {
			emit(fmt.Sprintf("%s: %s", from, payload))
			events <- nil
		},
		Error: func(from string, err error) {
			emit(fmt.Sprintf("%s: error: %v", from, err))
			events <- err
		},
		Close: func(err error) { events <- err },
	}
	done := func(count int, err error) {
		if err != nil {
			events <- err
			return
		}
		expected <- count
	}
	pending, err := s.SendRequest(req, dest, stream, done)
	if err != nil {
		return err
	}
	defer pending.Cancel()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	want, got := -1, 0
	var firstErr error
	for want < 0 || got < want {
		select {
		case n := <-expected:
			if dest.IsFilter() {
				want = n
				emit(fmt.Sprintf("matched %d sessions", n))
			} else if want < 0 {
				want = 1
			}
		case err := <-events:
			got++
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if err != nil && (errors.Is(err, client.ErrSessionClosed) || errors.Is(err, client.ErrRequestTimeout) || errors.Is(err, client.ErrSendToFilterRejected)) {
				return err
			}
		case <-timer.C:
			return fmt.Errorf("timed out after %s with %d answers", wait, got)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Generate or validate config files",
		Subcommands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Write a config template",
				ArgsUsage: "PATH",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Value: "broker", Usage: "broker|client"},
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						return fmt.Errorf("config init needs a PATH")
					}
					if err := config.WriteTemplate(path, c.String("kind"), c.Bool("force")); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote %s config template to %s\n", c.String("kind"), path)
					return nil
				},
			},
			{
				Name:      "validate",
				Usage:     "Validate a config file",
				ArgsUsage: "PATH",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Value: "broker", Usage: "broker|client"},
				},
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						return fmt.Errorf("config validate needs a PATH")
					}
					var err error
					switch c.String("kind") {
					case "broker":
						_, err = config.LoadBrokerConfig(path)
					case "client":
						_, err = loadProfile(path)
					default:
						err = fmt.Errorf("unknown config kind: %s", c.String("kind"))
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "validated %s config at %s\n", c.String("kind"), path)
					return nil
				},
			},
		},
	}
}

// resolveProfile loads the profile named by --profile and applies the
// command line overrides.
func resolveProfile(c *cli.Context) (profile, error) {
	p := defaultProfile()
	if path := c.String("profile"); path != "" {
		loaded, err := loadProfile(path)
		if err != nil {
			return profile{}, err
		}
		p = loaded
	}
	if u := c.String("url"); u != "" {
		p.URL = u
	}
	props, err := pairs(c.StringSlice("property"))
	if err != nil {
		return profile{}, err
	}
	for k, v := range props {
		if err := p.Config.SetProperty(k, v); err != nil {
			return profile{}, err
		}
	}
	return p, nil
}

func destination(sessionID, filter string) (client.Destination, error) {
	switch {
	case sessionID != "" && filter != "":
		return client.Destination{}, fmt.Errorf("use either --session or --filter, not both")
	case sessionID != "":
		return client.ToSession(sessionID), nil
	case filter != "":
		return client.ToFilter(filter), nil
	default:
		return client.Destination{}, fmt.Errorf("one of --session or --filter is required")
	}
}

func pairs(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", kv)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
