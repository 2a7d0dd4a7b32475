package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/danmuck/relayctl/internal/observability"
)

var Version = "dev"

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:    "relayctl",
		Usage:   "relay broker and session client",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "profile",
				Aliases: []string{"p"},
				Usage:   "client profile TOML",
				EnvVars: []string{"RELAYCTL_PROFILE"},
			},
			&cli.StringFlag{
				Name:    "url",
				Aliases: []string{"u"},
				Usage:   "broker URL, overrides the profile (tcp://host:port or tls://host:port)",
				EnvVars: []string{"RELAYCTL_URL"},
			},
		},
		Before: func(c *cli.Context) error {
			observability.InitLogger("relayctl")
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			handleCommand(),
			requestCommand(),
			configCommand(),
		},
	}
}
