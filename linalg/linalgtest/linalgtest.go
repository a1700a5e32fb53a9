// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package linalgtest provides utilities for testing code built on
// package linalg. The utilities here are not optimized for
// performance; they are strictly intended for unit testing.
package linalgtest

import (
	"context"
	"reflect"
	"testing"

	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigslice"
	"github.com/grailbio/bigslice/exec"
	"github.com/grailbio/bigsolve/linalg"
)

// Executors constructs the session configurations under which linalg
// computations are tested. Each call yields a fresh system.
var Executors = map[string]func() exec.Option{
	"Local":           func() exec.Option { return exec.Local },
	"Bigmachine.Test": func() exec.Option { return exec.Bigmachine(testsystem.New()) },
}

// RunSessions invokes run once for each of Executors, each time with
// a freshly started session which is shut down after run returns.
func RunSessions(t *testing.T, run func(t *testing.T, sess *exec.Session)) {
	t.Helper()
	for name, newOption := range Executors {
		newOption := newOption
		t.Run(name, func(t *testing.T) {
			sess := exec.Start(newOption())
			defer sess.Shutdown()
			run(t, sess)
		})
	}
}

// Identity returns the n×n identity matrix.
func Identity(n int) [][]float64 {
	a := make([][]float64, n)
	for i := range a {
		a[i] = make([]float64, n)
		a[i][i] = 1
	}
	return a
}

// Range returns the vector [1, 2, ..., n].
func Range(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = float64(i + 1)
	}
	return v
}

// Dense returns the description of the system A·x = b. Errors are
// reported as fatal to the provided t instance.
func Dense(t *testing.T, a [][]float64, b []float64) linalg.System {
	t.Helper()
	sys, err := linalg.DescribeDense(a, b)
	if err != nil {
		t.Fatal(err)
	}
	return sys
}

// Random returns the description of a random system of the given
// size. Errors are reported as fatal to the provided t instance.
func Random(t *testing.T, size int, seed int64) linalg.System {
	t.Helper()
	sys, err := linalg.Describe(size, seed)
	if err != nil {
		t.Fatal(err)
	}
	return sys
}

// Matrix materializes every block of sys.A into a row-major matrix,
// without using a session.
func Matrix(sys linalg.System) [][]float64 {
	a := make([][]float64, sys.Size)
	for i := range a {
		a[i] = make([]float64, sys.Size)
	}
	for i := 0; i < sys.NumBlocks(); i++ {
		rlo, rhi := sys.Bounds(i)
		for j := 0; j < sys.NumBlocks(); j++ {
			clo, chi := sys.Bounds(j)
			block := sys.MatrixBlock(i, j)
			w := chi - clo
			for r := rlo; r < rhi; r++ {
				copy(a[r][clo:chi], block[(r-rlo)*w:(r-rlo+1)*w])
			}
		}
	}
	return a
}

// Vector materializes sys.B without using a session.
func Vector(sys linalg.System) []float64 {
	b := make([]float64, 0, sys.Size)
	for i := 0; i < sys.NumBlocks(); i++ {
		b = append(b, sys.VectorBlock(i)...)
	}
	return b
}

// RunAndScan runs funcv with the provided arguments on sess, and
// scans every row of its result into the provided columns, which must
// be pointers to slices of the correct column types. Errors are
// reported as fatal to the provided t instance.
func RunAndScan(t *testing.T, sess *exec.Session, funcv *bigslice.FuncValue, args []interface{}, cols ...interface{}) {
	t.Helper()
	ctx := context.Background()
	res, err := sess.Run(ctx, funcv, args...)
	if err != nil {
		t.Fatal(err)
	}
	scanner := res.Scanner()
	defer scanner.Close()
	vs := make([]reflect.Value, len(cols))
	elemTypes := make([]reflect.Type, len(cols))
	for i := range vs {
		vs[i] = reflect.Indirect(reflect.ValueOf(cols[i]))
		vs[i].Set(vs[i].Slice(0, 0))
		elemTypes[i] = vs[i].Type().Elem()
	}
	ptrs := make([]interface{}, len(cols))
	for n := 0; ; n++ {
		for i := range vs {
			vs[i].Set(reflect.Append(vs[i], reflect.Zero(elemTypes[i])))
			ptrs[i] = vs[i].Index(n).Addr().Interface()
		}
		if !scanner.Scan(ctx, ptrs...) {
			for i := range vs {
				vs[i].Set(vs[i].Slice(0, n))
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}
}
