// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package motion

import (
	"fmt"
	"math"
	"strings"
)

// Kind selects how a predicate treats the region it describes.
type Kind int

const (
	// Box allows only points inside the region.
	Box Kind = iota
	// Exclusion denies points inside the region.
	Exclusion
)

func (k Kind) String() string {
	switch k {
	case Box:
		return "box"
	case Exclusion:
		return "exclude"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses "box" or "exclude".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "box", "":
		return Box, nil
	case "exclude", "exclusion", "obstacle":
		return Exclusion, nil
	}
	return 0, fmt.Errorf("unknown boundary kind %q", s)
}

// Predicate is an axis-aligned region, inclusive of its faces. Min and Max
// hold one bound per axis; a missing entry or an infinity leaves that side
// of the axis unbounded.
type Predicate struct {
	Name     string
	Kind     Kind
	Min, Max []float64
}

func (p Predicate) bounds(i int) (lo, hi float64) {
	lo, hi = math.Inf(-1), math.Inf(1)
	if i < len(p.Min) && !math.IsNaN(p.Min[i]) {
		lo = p.Min[i]
	}
	if i < len(p.Max) && !math.IsNaN(p.Max[i]) {
		hi = p.Max[i]
	}
	return lo, hi
}

// Contains reports whether pt lies within the region.
func (p Predicate) Contains(pt Point) bool {
	for i, v := range pt {
		lo, hi := p.bounds(i)
		if v < lo || v > hi {
			return false
		}
	}
	return true
}

// Allows reports whether pt is permitted by this predicate.
func (p Predicate) Allows(pt Point) bool {
	in := p.Contains(pt)
	if p.Kind == Exclusion {
		return !in
	}
	return in
}

func (p Predicate) String() string {
	name := p.Name
	if name == "" {
		name = p.Kind.String()
	}
	return fmt.Sprintf("%s %v..%v", name, p.Min, p.Max)
}

// Denied returns the first predicate that does not allow pt, or nil.
func Denied(preds []Predicate, pt Point) *Predicate {
	for i := range preds {
		if !preds[i].Allows(pt) {
			return &preds[i]
		}
	}
	return nil
}
