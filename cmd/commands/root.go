package commands

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie/internal/config"
)

// NewRootCommand returns the top-level CLI command, stamped with the
// version/commit the binary was built with.
func NewRootCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:    "ozzie",
		Usage:   "Autonomous agent runtime",
		Version: fmt.Sprintf("%s (%s)", version, commit),
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
			NewRunCommand(),
			NewRecoverCommand(),
			NewStatusCommand(),
			NewTasksCommand(),
		},
	}
}
