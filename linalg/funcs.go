// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package linalg

import (
	"context"
	"math"

	"github.com/grailbio/bigslice"
	"github.com/grailbio/bigslice/metrics"
	"github.com/grailbio/bigslice/sliceio"
	"gonum.org/v1/gonum/floats"
)

var (
	// BlocksGenerated counts the blocks of A generated while
	// evaluating a func.
	BlocksGenerated = metrics.NewCounter()
	// BlocksMultiplied counts the matrix-vector block products
	// computed while evaluating a func.
	BlocksMultiplied = metrics.NewCounter()
)

// Solve is a bigslice func that solves the system sys. It returns a
// slice with a single row of the form
//
//	Slice<x []float64, failure string>
//
// where failure is nonempty if the system could not be solved.
//
// The blocks of A and b are generated by one shard per block row and
// gathered under a single key, where they are factorized with a dense
// LU decomposition.
var Solve = bigslice.Func(func(sys System) bigslice.Slice {
	a := bigslice.Map(matrixBlocks(sys), func(ctx context.Context, row, col int, block []float64) (int, int, int, []float64) {
		BlocksGenerated.Incr(metrics.ContextScope(ctx), 1)
		return 0, row, col, block
	})
	b := bigslice.Map(vectorBlocks(sys), func(row int, block []float64) (int, int, []float64) {
		return 0, row, block
	})
	slice := bigslice.Cogroup(a, b)
	return bigslice.Map(slice, func(_ int, rows, cols []int, ablocks [][]float64, brows []int, bblocks [][]float64) ([]float64, string) {
		x, err := sys.solveBlocks(rows, cols, ablocks, brows, bblocks)
		if err != nil {
			return nil, err.Error()
		}
		return x, ""
	})
})

// Product is a bigslice func that computes A·x for the system sys. It
// returns a slice of the form
//
//	Slice<blockRow int, y []float64>
//
// with one row for each block row of A.
var Product = bigslice.Func(func(sys System, x []float64) bigslice.Slice {
	return product(sys, x)
})

// Residual is a bigslice func that computes the squared Euclidean
// norm of A·x − b for the system sys. It returns a slice with a
// single row of the form
//
//	Slice<0, sumOfSquares float64>
var Residual = bigslice.Func(func(sys System, x []float64) bigslice.Slice {
	slice := bigslice.Cogroup(product(sys, x), vectorBlocks(sys))
	slice = bigslice.Map(slice, func(_ int, ys, bs [][]float64) (int, float64) {
		// Each block row has exactly one product and one right-hand
		// side block; anything else is reported through a NaN norm.
		if len(ys) != 1 || len(bs) != 1 || len(ys[0]) != len(bs[0]) {
			return 0, math.NaN()
		}
		var sum float64
		for i, y := range ys[0] {
			d := y - bs[0][i]
			sum += d * d
		}
		return 0, sum
	})
	return bigslice.Reduce(slice, func(a, b float64) float64 { return a + b })
})

// Product computes the blocked product A·x, reducing the partial
// products of each block row.
func product(sys System, x []float64) bigslice.Slice {
	slice := bigslice.Map(matrixBlocks(sys), func(ctx context.Context, row, col int, block []float64) (int, []float64) {
		scope := metrics.ContextScope(ctx)
		BlocksGenerated.Incr(scope, 1)
		BlocksMultiplied.Incr(scope, 1)
		lo, hi := sys.Bounds(col)
		w := hi - lo
		y := make([]float64, len(block)/w)
		for r := range y {
			y[r] = floats.Dot(block[r*w:(r+1)*w], x[lo:hi])
		}
		return row, y
	})
	return bigslice.Reduce(slice, func(a, b []float64) []float64 {
		sum := make([]float64, len(a))
		floats.AddTo(sum, a, b)
		return sum
	})
}

// MatrixBlocks returns the blocks of A as a slice of the form
//
//	Slice<row int, col int, block []float64>
//
// Shard i generates block row i.
func matrixBlocks(sys System) bigslice.Slice {
	nb := sys.NumBlocks()
	return bigslice.ReaderFunc(nb, func(shard int, next *int, rows, cols []int, blocks [][]float64) (n int, err error) {
		for n < len(rows) && *next < nb {
			rows[n], cols[n] = shard, *next
			blocks[n] = sys.MatrixBlock(shard, *next)
			*next++
			n++
		}
		if *next == nb {
			err = sliceio.EOF
		}
		return
	})
}

// VectorBlocks returns the blocks of b as a slice of the form
//
//	Slice<row int, block []float64>
func vectorBlocks(sys System) bigslice.Slice {
	return bigslice.ReaderFunc(sys.NumBlocks(), func(shard int, done *bool, rows []int, blocks [][]float64) (int, error) {
		if *done {
			return 0, sliceio.EOF
		}
		if len(rows) == 0 {
			return 0, nil
		}
		*done = true
		rows[0], blocks[0] = shard, sys.VectorBlock(shard)
		return 1, sliceio.EOF
	})
}
