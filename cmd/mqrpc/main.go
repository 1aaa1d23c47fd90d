package main

import (
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "mqrpc"
	app.Usage = "serve and call remote procedures over a message queue"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "TOML configuration file"},
		cli.StringFlag{Name: "codec", Usage: "json or proto, overrides the configuration"},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:      "serve",
			Usage:     "serve the demo procedures",
			ArgsUsage: "[URL...]",
			Action:    serveCommand,
		},
		cli.Command{
			Name:      "call",
			Usage:     "call a remote procedure",
			ArgsUsage: "METHOD [JSON-ARG...]",
			Flags: []cli.Flag{
				cli.StringSliceFlag{Name: "connect"},
				cli.StringFlag{Name: "mode", Usage: "sync, co or async"},
				cli.DurationFlag{Name: "timeout"},
				cli.StringSliceFlag{Name: "kw", Usage: "keyword argument as name=JSON"},
			},
			Action: callCommand,
		},
		cli.Command{
			Name:   "ping",
			Usage:  "check that a service answers and speaks our protocol version",
			Flags:  []cli.Flag{cli.StringSliceFlag{Name: "connect"}},
			Action: pingCommand,
		},
		cli.Command{
			Name:    "methods",
			Aliases: []string{"ls"},
			Flags:   []cli.Flag{cli.StringSliceFlag{Name: "connect"}},
			Action:  methodsCommand,
		},
	}
	app.Run(os.Args)
}
