// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package cli is the daqrig command line.
package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

const AppName = "daqrig"

type App struct {
	logger zerolog.Logger
	out    io.Writer
	cli    *cli.App
}

func New() *App {
	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		out:    os.Stdout,
		cli: &cli.App{
			Name:  AppName,
			Usage: "synchronized shot-by-shot acquisition with LeCroy digitizers and stepper probe drives",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging, including instrument traffic",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}
	configFlag := &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "Run configuration (TOML)",
		Required: true,
	}
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "run",
		Usage:  "Acquire a run with the configured digitizers and drives",
		Action: app.run,
		Flags: []cli.Flag{
			configFlag,
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "Replace an existing run at the destination",
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "simulate",
		Usage:  "Acquire a run against simulated digitizers and drives",
		Action: app.simulate,
		Flags: []cli.Flag{
			configFlag,
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "Replace an existing run at the destination",
			},
			&cli.StringFlag{
				Name:  "destination",
				Usage: "Override the run destination",
			},
			&cli.IntFlag{
				Name:  "samples",
				Usage: "Samples per simulated segment",
				Value: 1000,
			},
			&cli.IntFlag{
				Name:  "segments",
				Usage: "Simulated sequence-mode segments",
				Value: 1,
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "plan",
		Usage:  "Print the position plan and check it against the boundaries",
		Action: app.plan,
		Flags: []cli.Flag{
			configFlag,
			&cli.BoolFlag{
				Name:  "all",
				Usage: "List every shot rather than the first and last few",
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize a run store",
		ArgsUsage: "<store>",
		Action:    app.inspect,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "shot",
				Usage: "Show the traces of one shot",
			},
		},
	})
	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}
