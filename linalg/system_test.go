// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package linalg_test

import (
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsolve/linalg"
	"github.com/grailbio/bigsolve/linalg/linalgtest"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestDescribe(t *testing.T) {
	for _, c := range []struct {
		size, blockSize, numBlocks int
	}{
		{10000, 2500, 4},
		{5000, 1250, 4},
		{10, 2, 5},
		{4, 1, 4},
		{3, 1, 3},
		{1, 1, 1},
	} {
		sys, err := linalg.Describe(c.size, 1)
		assert.NoError(t, err)
		if got, want := sys.BlockSize, c.blockSize; got != want {
			t.Errorf("size %d: got block size %v, want %v", c.size, got, want)
		}
		if got, want := sys.NumBlocks(), c.numBlocks; got != want {
			t.Errorf("size %d: got %v blocks, want %v", c.size, got, want)
		}
		assert.NoError(t, sys.Validate())
	}
}

func TestDescribeInvalidSize(t *testing.T) {
	for _, size := range []int{0, -1, -10000} {
		_, err := linalg.Describe(size, 0)
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("size %d: got %v, want invalid", size, err)
		}
	}
}

func TestDescribeDense(t *testing.T) {
	sys, err := linalg.DescribeDense([][]float64{{1, 2}, {3, 4}}, []float64{5, 6})
	assert.NoError(t, err)
	expect.EQ(t, sys.A, []float64{1, 2, 3, 4})
	expect.EQ(t, sys.B, []float64{5, 6})

	_, err = linalg.DescribeDense([][]float64{{1, 2}, {3}}, []float64{5, 6})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("ragged matrix: got %v, want invalid", err)
	}
	_, err = linalg.DescribeDense([][]float64{{1, 2}, {3, 4}}, []float64{5})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("short vector: got %v, want invalid", err)
	}
	_, err = linalg.DescribeDense(nil, nil)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("empty system: got %v, want invalid", err)
	}
}

func TestValidate(t *testing.T) {
	good := linalgtest.Random(t, 8, 1)
	for name, sys := range map[string]linalg.System{
		"zero block":   {Size: 8, BlockSize: 0},
		"large block":  {Size: 8, BlockSize: 9},
		"tiny block":   {Size: 10000, BlockSize: 1},
		"odd block":    {Size: 8, BlockSize: 3},
		"missing b":    {Size: 2, BlockSize: 1, A: []float64{1, 0, 0, 1}},
		"short matrix": {Size: 2, BlockSize: 1, A: []float64{1, 0, 0}, B: []float64{1, 1}},
		"long vector":  {Size: 2, BlockSize: 1, A: []float64{1, 0, 0, 1}, B: []float64{1, 1, 1}},
	} {
		if err := sys.Validate(); !errors.Is(errors.Invalid, err) {
			t.Errorf("%s: got %v, want invalid", name, err)
		}
	}
	assert.NoError(t, good.Validate())
}

func TestShapes(t *testing.T) {
	fz := fuzz.NewWithSeed(1)
	for i := 0; i < 100; i++ {
		var size uint16
		fz.Fuzz(&size)
		n := int(size)%2000 + 1
		sys := linalgtest.Random(t, n, int64(i))
		if r, c := sys.MatrixShape(); r != n || c != n {
			t.Errorf("matrix shape (%d, %d), want (%d, %d)", r, c, n, n)
		}
		if r, c := sys.VectorShape(); r != n || c != 1 {
			t.Errorf("vector shape (%d, %d), want (%d, 1)", r, c, n)
		}
	}
}

func TestBoundsCover(t *testing.T) {
	fz := fuzz.NewWithSeed(2)
	for i := 0; i < 200; i++ {
		var size uint16
		fz.Fuzz(&size)
		n := int(size)%5000 + 1
		sys := linalgtest.Random(t, n, 0)
		next := 0
		for b := 0; b < sys.NumBlocks(); b++ {
			lo, hi := sys.Bounds(b)
			if lo != next || hi <= lo {
				t.Fatalf("size %d block %d: bounds [%d, %d), expected to start at %d", n, b, lo, hi, next)
			}
			next = hi
		}
		if next != n {
			t.Errorf("size %d: blocks cover [0, %d)", n, next)
		}
	}
}

func TestBlocksDeterministic(t *testing.T) {
	sys := linalgtest.Random(t, 11, 42)
	for i := 0; i < sys.NumBlocks(); i++ {
		for j := 0; j < sys.NumBlocks(); j++ {
			block := sys.MatrixBlock(i, j)
			if !reflect.DeepEqual(block, sys.MatrixBlock(i, j)) {
				t.Fatalf("block (%d, %d) is not reproducible", i, j)
			}
			for _, v := range block {
				if v < 0 || v >= 1 {
					t.Fatalf("block (%d, %d): value %v out of [0, 1)", i, j, v)
				}
			}
		}
		if !reflect.DeepEqual(sys.VectorBlock(i), sys.VectorBlock(i)) {
			t.Fatalf("vector block %d is not reproducible", i)
		}
	}
	other := linalgtest.Random(t, 11, 43)
	if reflect.DeepEqual(sys.MatrixBlock(0, 0), other.MatrixBlock(0, 0)) {
		t.Error("different seeds produced the same block")
	}
	if reflect.DeepEqual(sys.MatrixBlock(0, 1), sys.MatrixBlock(1, 0)) {
		t.Error("different blocks share a stream")
	}
}

func TestDenseBlocks(t *testing.T) {
	a := [][]float64{
		{1, 2, 3, 4, 5},
		{6, 7, 8, 9, 10},
		{11, 12, 13, 14, 15},
		{16, 17, 18, 19, 20},
		{21, 22, 23, 24, 25},
	}
	b := []float64{1, 2, 3, 4, 5}
	sys := linalgtest.Dense(t, a, b)
	expect.EQ(t, sys.MatrixBlock(4, 3), []float64{24})
	expect.EQ(t, sys.MatrixBlock(0, 0), []float64{1})
	expect.EQ(t, linalgtest.Matrix(sys), a)
	expect.EQ(t, linalgtest.Vector(sys), b)
}
