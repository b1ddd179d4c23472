// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package cli

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/bapsf/daqrig/lib/runstore"
)

func (a *App) inspect(ctx *cli.Context) (err error) {
	if ctx.NArg() != 1 {
		return errors.New("inspect needs exactly one run store")
	}
	s, err := runstore.Open(ctx.Args().First())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()

	c := ctx.Context
	info, err := s.Info(c)
	if err != nil {
		return err
	}
	shots, err := s.Shots(c)
	if err != nil {
		return err
	}
	achieved, err := s.AchievedPositions(c)
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, headStyle.Render("Run "+info.ID))
	fmt.Fprintf(a.out, "  created:     %s\n", info.Created.Format(time.RFC3339))
	if info.Description != "" {
		fmt.Fprintf(a.out, "  description: %s\n", info.Description)
	}
	fmt.Fprintf(a.out, "  size:        %s\n", formatBytes(s.Size()))
	if len(info.Axes) > 0 {
		fmt.Fprintf(a.out, "  axes:        %s\n", strings.Join(info.Axes, ", "))
	}
	for _, in := range info.Instruments {
		fmt.Fprintf(a.out, "  instrument:  %s %s [%s] %s\n", in.Name, in.Identity, strings.Join(in.Channels, " "), dimStyle.Render(in.Address))
		for _, ch := range slices.Sorted(maps.Keys(in.ChannelDescriptions)) {
			fmt.Fprintf(a.out, "    %s: %s\n", ch, in.ChannelDescriptions[ch])
		}
	}

	var complete, partial, skipped int
	for _, sh := range shots {
		switch {
		case sh.Skipped:
			skipped++
		case sh.Outcome == "partial":
			partial++
		default:
			complete++
		}
	}
	unset := 0
	for _, p := range achieved {
		if !p.Set {
			unset++
		}
	}
	fmt.Fprintf(a.out, "  shots:       %d stored of %d planned (%s, %s, %s)\n", len(shots), len(achieved),
		okStyle.Render(fmt.Sprintf("%d complete", complete)),
		warnStyle.Render(fmt.Sprintf("%d partial", partial)),
		skipStyle.Render(fmt.Sprintf("%d skipped", skipped)))
	fmt.Fprintf(a.out, "  unset positions: %d\n", unset)

	if !ctx.IsSet("shot") {
		return nil
	}
	return a.inspectShot(ctx, s, ctx.Int("shot"), achieved)
}

func (a *App) inspectShot(ctx *cli.Context, s *runstore.Store, n int, achieved []runstore.AchievedPosition) error {
	c := ctx.Context
	sh, err := s.Shot(c, n)
	if err != nil {
		return fmt.Errorf("shot %d: %w", n, err)
	}
	fmt.Fprintln(a.out)
	fmt.Fprintln(a.out, headStyle.Render(fmt.Sprintf("Shot %d", n)))
	fmt.Fprintf(a.out, "  acquired: %s\n", sh.AcquiredAt.Format(time.RFC3339Nano))
	fmt.Fprintf(a.out, "  outcome:  %s\n", sh.Outcome)
	if sh.Reason != "" {
		fmt.Fprintf(a.out, "  reason:   %s\n", sh.Reason)
	}
	for _, p := range achieved {
		if p.Shot == n && p.Set {
			fmt.Fprintf(a.out, "  position: %v\n", []float64(p.Point))
		}
	}
	for _, inst := range slices.Sorted(maps.Keys(sh.Channels)) {
		for _, ch := range sh.Channels[inst] {
			tr, err := s.Trace(c, n, inst, ch)
			if err != nil {
				fmt.Fprintf(a.out, "  %s/%s: %s\n", inst, ch, skipStyle.Render(err.Error()))
				continue
			}
			lo, hi, rms := stats(tr.Samples)
			fmt.Fprintf(a.out, "  %s/%s: %d samples in %d segments, min %.4g max %.4g rms %.4g\n",
				inst, ch, len(tr.Samples), tr.Segments, lo, hi, rms)
		}
	}
	return nil
}

func stats(v []float64) (lo, hi, rms float64) {
	if len(v) == 0 {
		return 0, 0, 0
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, x := range v {
		lo, hi = min(lo, x), max(hi, x)
		sum += x * x
	}
	return lo, hi, math.Sqrt(sum / float64(len(v)))
}
