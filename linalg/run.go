// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package linalg

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigslice"
	"github.com/grailbio/bigslice/exec"
)

// A Session evaluates bigslice funcs. It is implemented by
// *exec.Session.
type Session interface {
	Run(ctx context.Context, funcv *bigslice.FuncValue, args ...interface{}) (*exec.Result, error)
}

// RunSolve materializes the solution of sys on the provided session.
// It blocks until the computation completes or fails.
func RunSolve(ctx context.Context, sess Session, sys System) ([]float64, error) {
	if err := sys.Validate(); err != nil {
		return nil, err
	}
	res, err := sess.Run(ctx, Solve, sys)
	if err != nil {
		return nil, err
	}
	var (
		x, row  []float64
		failure string
		n       int
	)
	scanner := res.Scanner()
	defer scanner.Close()
	for scanner.Scan(ctx, &row, &failure) {
		if failure != "" {
			return nil, errors.E(errors.Invalid, failure)
		}
		x = row
		n++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("linalg: solve of %s produced %d results", sys, n))
	}
	if got, want := len(x), sys.Size; got != want {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("linalg: solution has length %d, expected %d", got, want))
	}
	log.Debug.Printf("linalg: solved %s: %d blocks generated", sys, BlocksGenerated.Value(res.Scope()))
	return x, nil
}

// RunProduct materializes A·x for the system sys.
func RunProduct(ctx context.Context, sess Session, sys System, x []float64) ([]float64, error) {
	if err := validateSolution(sys, x); err != nil {
		return nil, err
	}
	res, err := sess.Run(ctx, Product, sys, x)
	if err != nil {
		return nil, err
	}
	var (
		y     = make([]float64, sys.Size)
		seen  = make([]bool, sys.NumBlocks())
		row   int
		block []float64
	)
	scanner := res.Scanner()
	defer scanner.Close()
	for scanner.Scan(ctx, &row, &block) {
		lo, hi := sys.Bounds(row)
		if row < 0 || row >= len(seen) || seen[row] || len(block) != hi-lo {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("linalg: unexpected product block %d", row))
		}
		seen[row] = true
		copy(y[lo:hi], block)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for i, ok := range seen {
		if !ok {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("linalg: missing product block %d", i))
		}
	}
	return y, nil
}

// RunResidual materializes the Euclidean norm ‖A·x − b‖ for the
// system sys. The returned residual is always non-negative; no
// threshold is applied.
func RunResidual(ctx context.Context, sess Session, sys System, x []float64) (float64, error) {
	if err := validateSolution(sys, x); err != nil {
		return 0, err
	}
	res, err := sess.Run(ctx, Residual, sys, x)
	if err != nil {
		return 0, err
	}
	var (
		key   int
		sum   float64
		total float64
	)
	scanner := res.Scanner()
	defer scanner.Close()
	for scanner.Scan(ctx, &key, &sum) {
		total += sum
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if math.IsNaN(total) {
		return 0, errors.E(errors.Integrity, fmt.Sprintf("linalg: residual of %s is not a number", sys))
	}
	log.Debug.Printf("linalg: residual of %s: %d block products", sys, BlocksMultiplied.Value(res.Scope()))
	return math.Sqrt(total), nil
}

func validateSolution(sys System, x []float64) error {
	if err := sys.Validate(); err != nil {
		return err
	}
	if got, want := len(x), sys.Size; got != want {
		return errors.E(errors.Invalid, fmt.Sprintf("linalg: solution has length %d, expected %d", got, want))
	}
	return nil
}
