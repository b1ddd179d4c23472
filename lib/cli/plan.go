// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"

	"github.com/bapsf/daqrig/lib/config"
	"github.com/bapsf/daqrig/lib/motion"
	"github.com/bapsf/daqrig/lib/sim"
)

const planPreview = 5

var headStyle = lipgloss.NewStyle().Bold(true)

func (a *App) plan(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	plan, err := cfg.Plan()
	if err != nil {
		return err
	}

	axes := cfg.AxisNames()
	fmt.Fprintln(a.out, headStyle.Render("Position plan"))
	if len(axes) == 0 {
		fmt.Fprintf(a.out, "  axes:       none\n")
	} else {
		fmt.Fprintf(a.out, "  axes:       %s\n", strings.Join(axes, ", "))
	}
	fmt.Fprintf(a.out, "  shots:      %d\n", len(plan))
	stationary := motion.Stationary(plan)
	if stationary {
		fmt.Fprintf(a.out, "  motion:     %s\n", dimStyle.Render("stationary, drives are not commanded"))
	} else {
		fmt.Fprintf(a.out, "  motion:     %d distinct positions\n", distinct(plan))
	}
	for _, sc := range cfg.Scopes {
		fmt.Fprintf(a.out, "  scope:      %s at %s\n", sc.Name, sc.Address)
	}
	fmt.Fprintln(a.out)

	var check func(motion.Point) error
	if cfg.Motion != nil && len(cfg.Motion.Grid) > 0 {
		coord, err := a.checker(cfg.Motion)
		if err != nil {
			return err
		}
		check = func(p motion.Point) error {
			_, err := coord.Check(p)
			return err
		}
	}

	denied := 0
	all := ctx.Bool("all")
	for i, pos := range plan {
		var err error
		if check != nil {
			err = check(pos.Point)
		}
		if err != nil {
			denied++
		}
		show := all || i < planPreview || i >= len(plan)-planPreview
		if !show {
			if i == planPreview {
				fmt.Fprintf(a.out, "  %s\n", dimStyle.Render(fmt.Sprintf("... %d more ...", len(plan)-2*planPreview)))
			}
			continue
		}
		line := fmt.Sprintf("  %5d  %v", pos.Shot, []float64(pos.Point))
		if err != nil {
			line += "  " + skipStyle.Render(err.Error())
		}
		fmt.Fprintln(a.out, line)
	}

	fmt.Fprintln(a.out)
	if denied > 0 {
		fmt.Fprintln(a.out, skipStyle.Render(fmt.Sprintf("%d of %d shots would be skipped", denied, len(plan))))
		return nil
	}
	fmt.Fprintln(a.out, okStyle.Render("every position is allowed"))
	return nil
}

// checker builds a coordinator over simulated axes. Only Check is used.
func (a *App) checker(m *config.MotionConfig) (*motion.Coordinator, error) {
	mc, err := m.CoordinatorConfig()
	if err != nil {
		return nil, err
	}
	axes := make([]motion.Actuator, len(mc.Axes))
	for i, n := range mc.Axes {
		axes[i] = sim.NewAxis(n)
	}
	return motion.NewCoordinator(mc, m.Kin(), axes, motion.WithLogger(a.logger))
}

func distinct(plan []motion.Position) int {
	seen := map[string]struct{}{}
	for _, p := range plan {
		seen[fmt.Sprint([]float64(p.Point))] = struct{}{}
	}
	return len(seen)
}
