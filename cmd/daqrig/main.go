// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/bapsf/daqrig/lib/cli"
)

// Version information, set via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	c := cli.New()
	c.SetVersion(version, commit, date)
	if err := c.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg(cli.AppName)
	}
}
