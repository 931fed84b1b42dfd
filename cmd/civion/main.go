package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "civion",
		Usage:                 "Validate, publish and operate workflow definitions",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:    "validate",
				Aliases: []string{"v"},
				Usage:   "Check a definition file without publishing it",
				Flags:   []cli.Flag{definitionFileFlag(), pluginsPathFlag()},
				Action:  validateDefinition,
			},
			{
				Name:    "publish",
				Aliases: []string{"p"},
				Usage:   "Publish a definition file as a new immutable version",
				Flags: append([]cli.Flag{
					definitionFileFlag(),
					actorFlag(),
					pluginsPathFlag(),
				}, storeFlags()...),
				Action: publishDefinition,
			},
			{
				Name:    "start",
				Aliases: []string{"s"},
				Usage:   "Start a run of a published definition",
				Flags: append(append([]cli.Flag{
					&cli.StringFlag{
						Name:     "definition-id",
						Aliases:  []string{"d"},
						Usage:    "ID of the definition to run",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "version",
						Usage: "Definition version to run; 0 runs the latest",
					},
					&cli.StringFlag{
						Name:  "input",
						Usage: "Run input as a JSON object",
					},
					actorFlag(),
					pluginsPathFlag(),
				}, storeFlags()...), busFlags()...),
				Action: startRun,
			},
			{
				Name:    "approve",
				Aliases: []string{"a"},
				Usage:   "Decide an approval ticket",
				Flags: append(append([]cli.Flag{
					&cli.StringFlag{
						Name:     "ticket",
						Aliases:  []string{"t"},
						Usage:    "ID of the ticket to decide",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "decision",
						Usage: "Decision to record (approved, rejected)",
						Value: "approved",
					},
					&cli.StringFlag{
						Name:  "comment",
						Usage: "Comment recorded with the decision",
					},
					actorFlag(),
					pluginsPathFlag(),
				}, storeFlags()...), busFlags()...),
				Action: decideTicket,
			},
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
