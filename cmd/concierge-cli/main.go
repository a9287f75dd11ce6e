package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "concierge-cli",
		Usage: "Chat with the shopping concierge from a terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "Concierge base URL",
				EnvVars: []string{"CONCIERGE_SERVER"},
			},
		},
		Commands: []*cli.Command{
			ChatCommand(),
			ListCommand(),
			CardCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
