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

// Kinematics converts between probe-frame coordinates (where the probe tip
// is) and motor-frame coordinates (what the drives are told).
type Kinematics interface {
	ToMotor(p Point) (Point, error)
	ToProbe(m Point) (Point, error)
}

// Identity is used when the drives move the probe tip directly.
type Identity struct{}

func (Identity) ToMotor(p Point) (Point, error) { return p.Clone(), nil }
func (Identity) ToProbe(m Point) (Point, error) { return m.Clone(), nil }

// ErrUnreachable is returned for points the geometry cannot map.
var ErrUnreachable = errors.New("point unreachable")

// Pivot is the geometry of a probe shaft passing through a ball valve on
// the chamber wall. x runs along the shaft into the chamber, y and z are
// transverse. All lengths are in cm.
type Pivot struct {
	// ProbeIn is the distance from the pivot to the chamber center.
	ProbeIn float64
	// Outside is the shaft length from the pivot to the drive carriage.
	Outside float64
	// Height is the offset between the shaft and the transverse drive.
	Height float64
}

// DefaultPivot matches the LAPD probe drives.
var DefaultPivot = Pivot{ProbeIn: 62.948, Outside: 125.3624, Height: 20}

func (g Pivot) ToMotor(p Point) (Point, error) {
	if len(p) < 2 || len(p) > 3 {
		return nil, fmt.Errorf("pivot geometry needs 2 or 3 axes, got %d", len(p))
	}
	x := g.ProbeIn - p[0]
	y := p[1]
	var z float64
	if len(p) == 3 {
		z = p[2]
	}
	if x <= 0 {
		return nil, fmt.Errorf("%w: x=%g is at or beyond the pivot", ErrUnreachable, p[0])
	}

	slope := y / x
	d := math.Sqrt(x*x + y*y + z*z)
	d2 := g.Height / math.Sqrt(slope*slope+1)
	ltc := slope * d2

	m := Point{
		d - g.ProbeIn,
		g.Height - d2 - (g.Outside+ltc)*slope,
	}
	if len(p) == 3 {
		m = append(m, z/x*(g.Outside+ltc))
	}
	return m, nil
}

// ToProbe inverts ToMotor by Newton iteration with a numerical Jacobian,
// starting from the motor coordinates themselves.
func (g Pivot) ToProbe(m Point) (Point, error) {
	const (
		maxIter = 100
		h       = 1e-6
		tol     = 1e-10
	)
	n := len(m)
	p := m.Clone()
	for iter := 0; iter < maxIter; iter++ {
		f, err := g.ToMotor(p)
		if err != nil {
			return nil, err
		}
		r := make([]float64, n)
		for i := range r {
			r[i] = m[i] - f[i]
		}

		jac := make([][]float64, n)
		for i := range jac {
			jac[i] = make([]float64, n)
		}
		for j := 0; j < n; j++ {
			hi, lo := p.Clone(), p.Clone()
			hi[j] += h
			lo[j] -= h
			fh, err := g.ToMotor(hi)
			if err != nil {
				return nil, err
			}
			fl, err := g.ToMotor(lo)
			if err != nil {
				return nil, err
			}
			for i := 0; i < n; i++ {
				jac[i][j] = (fh[i] - fl[i]) / (2 * h)
			}
		}

		step, err := solve(jac, r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		var norm float64
		for i := range p {
			p[i] += step[i]
			norm += step[i] * step[i]
		}
		if math.Sqrt(norm) < tol {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no convergence for motor position %v", ErrUnreachable, m)
}

// solve solves a x = b by Gaussian elimination with partial pivoting.
// a and b are overwritten.
func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	for col := 0; col < n; col++ {
		piv := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[piv][col]) {
				piv = r
			}
		}
		if math.Abs(a[piv][col]) < 1e-12 {
			return nil, errors.New("singular jacobian")
		}
		a[col], a[piv] = a[piv], a[col]
		b[col], b[piv] = b[piv], b[col]
		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}
	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		s := b[r]
		for c := r + 1; c < n; c++ {
			s -= a[r][c] * x[c]
		}
		x[r] = s / a[r][r]
	}
	return x, nil
}
