// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package motion

import (
	"errors"
	"fmt"
	"math"
)

// Point holds one coordinate per configured axis.
type Point []float64

func (p Point) Clone() Point { return append(Point(nil), p...) }

// Equal reports whether p and q match to within tol on every axis.
func (p Point) Equal(q Point, tol float64) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if math.Abs(p[i]-q[i]) > tol {
			return false
		}
	}
	return true
}

// Position is a planned or achieved probe position for one shot.
type Position struct {
	Shot  int // 1-based
	Point Point
}

// AxisRange is a linearly spaced set of values along one axis.
type AxisRange struct {
	Name     string
	Min, Max float64
	N        int
}

// Values returns N evenly spaced values from Min to Max inclusive.
func (r AxisRange) Values() []float64 {
	if r.N == 1 {
		return []float64{r.Min}
	}
	v := make([]float64, r.N)
	step := (r.Max - r.Min) / float64(r.N-1)
	for i := range v {
		v[i] = r.Min + float64(i)*step
	}
	v[r.N-1] = r.Max
	return v
}

// Grid describes a rectangular scan. Axes are ordered x, y, z; x varies
// fastest. Each grid point is shot Duplicates times in a row and the whole
// scan is repeated Repeats times.
//
// With Lockstep set the axes are not combined: step k takes the k-th value
// of every axis, so independently driven 1-D probes sweep together. All
// axes must then have the same N.
type Grid struct {
	Axes       []AxisRange
	Duplicates int
	Repeats    int
	Lockstep   bool
}

// Len is the total number of shots.
func (g Grid) Len() int {
	n := max(g.Duplicates, 1) * max(g.Repeats, 1)
	if g.Lockstep {
		if len(g.Axes) == 0 {
			return 0
		}
		return n * g.Axes[0].N
	}
	for _, a := range g.Axes {
		n *= a.N
	}
	return n
}

// Positions enumerates the scan in acquisition order with 1-based shot
// numbers.
func (g Grid) Positions() ([]Position, error) {
	if len(g.Axes) == 0 {
		return nil, errors.New("grid has no axes")
	}
	vals := make([][]float64, len(g.Axes))
	for i, a := range g.Axes {
		if a.N < 1 {
			return nil, fmt.Errorf("axis %s: position array is empty", a.Name)
		}
		if g.Lockstep && a.N != g.Axes[0].N {
			return nil, fmt.Errorf("lockstep axis %s has %d positions, %s has %d", a.Name, a.N, g.Axes[0].Name, g.Axes[0].N)
		}
		vals[i] = a.Values()
	}

	out := make([]Position, 0, g.Len())
	if g.Lockstep {
		for rep := 0; rep < max(g.Repeats, 1); rep++ {
			for k := range g.Axes[0].N {
				pt := make(Point, len(vals))
				for i := range vals {
					pt[i] = vals[i][k]
				}
				for dup := 0; dup < max(g.Duplicates, 1); dup++ {
					out = append(out, Position{Shot: len(out) + 1, Point: pt})
				}
			}
		}
		return out, nil
	}
	idx := make([]int, len(g.Axes))
	for rep := 0; rep < max(g.Repeats, 1); rep++ {
		clear(idx)
		for {
			pt := make(Point, len(idx))
			for i, j := range idx {
				pt[i] = vals[i][j]
			}
			for dup := 0; dup < max(g.Duplicates, 1); dup++ {
				out = append(out, Position{Shot: len(out) + 1, Point: pt})
			}
			// odometer: first axis turns fastest
			i := 0
			for ; i < len(idx); i++ {
				idx[i]++
				if idx[i] < len(vals[i]) {
					break
				}
				idx[i] = 0
			}
			if i == len(idx) {
				break
			}
		}
	}
	return out, nil
}

// Stationary reports whether the plan never moves the probe: the first and
// last planned positions coincide. An empty plan is stationary.
func Stationary(plan []Position) bool {
	if len(plan) == 0 {
		return true
	}
	return plan[0].Point.Equal(plan[len(plan)-1].Point, 0)
}
