// Package commands defines the flowd CLI.
package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/flowd/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "flowd",
		Usage: "Durable workflow engine for agent orchestration",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewWorkflowsCommand(),
		},
	}
}
