// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package linalg

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SolveBlocks assembles the gathered blocks of A and b and solves the
// system with gonum's dense LU factorization. Ill-conditioned systems
// are solved on a best-effort basis; singular ones fail.
func (s System) solveBlocks(rows, cols []int, ablocks [][]float64, brows []int, bblocks [][]float64) ([]float64, error) {
	nb := s.NumBlocks()
	if got, want := len(ablocks), nb*nb; got != want {
		return nil, fmt.Errorf("linalg: solve: got %d matrix blocks, expected %d", got, want)
	}
	if got, want := len(bblocks), nb; got != want {
		return nil, fmt.Errorf("linalg: solve: got %d vector blocks, expected %d", got, want)
	}
	a := mat.NewDense(s.Size, s.Size, nil)
	for k, block := range ablocks {
		rlo, rhi := s.Bounds(rows[k])
		clo, chi := s.Bounds(cols[k])
		w := chi - clo
		if got, want := len(block), (rhi-rlo)*w; got != want {
			return nil, fmt.Errorf("linalg: solve: block (%d, %d) has %d entries, expected %d", rows[k], cols[k], got, want)
		}
		for r := rlo; r < rhi; r++ {
			for c := clo; c < chi; c++ {
				a.Set(r, c, block[(r-rlo)*w+c-clo])
			}
		}
	}
	b := mat.NewVecDense(s.Size, nil)
	for k, block := range bblocks {
		lo, hi := s.Bounds(brows[k])
		if got, want := len(block), hi-lo; got != want {
			return nil, fmt.Errorf("linalg: solve: vector block %d has %d entries, expected %d", brows[k], got, want)
		}
		for i := lo; i < hi; i++ {
			b.SetVec(i, block[i-lo])
		}
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		cond, ok := err.(mat.Condition)
		if !ok || math.IsInf(float64(cond), 1) {
			return nil, fmt.Errorf("linalg: solve: system is singular: %v", err)
		}
	}
	out := make([]float64, s.Size)
	for i := range out {
		out[i] = x.AtVec(i)
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			return nil, fmt.Errorf("linalg: solve: system is singular: non-finite solution entry %d", i)
		}
	}
	return out, nil
}
