package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie/internal/checkpoint"
	"github.com/dohr-michael/ozzie/internal/config"
)

// NewRecoverCommand returns the recover subcommand: inspect and restore
// checkpoint state from the most recent (or a named) checkpoint.
func NewRecoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "Inspect or restore execution loop checkpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "id",
				Usage: "Checkpoint id to recover (default: latest across all levels)",
			},
			&cli.BoolFlag{
				Name:  "check",
				Usage: "Only report whether recovery is needed, without restoring",
			},
		},
		Action: runRecover,
	}
}

func runRecover(_ context.Context, cmd *cli.Command) error {
	baseDir := filepath.Join(config.OzziePath(), "checkpoints")
	engine, err := checkpoint.Open(baseDir, nil, checkpoint.DefaultCodec())
	if err != nil {
		return fmt.Errorf("open checkpoint engine: %w", err)
	}
	defer engine.Close()

	needsRecovery := engine.NeedsRecovery()
	if cmd.Bool("check") {
		if needsRecovery {
			fmt.Println("recovery needed: previous run did not shut down gracefully")
		} else {
			fmt.Println("recovery not needed")
		}
		return nil
	}

	state, err := engine.Recover(cmd.String("id"))
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			fmt.Println("no checkpoint found")
			return nil
		}
		return fmt.Errorf("recover checkpoint: %w", err)
	}

	var pretty map[string]any
	if err := json.Unmarshal(state, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	fmt.Printf("recovered %d bytes of opaque state\n", len(state))
	return nil
}
