// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package linalg describes dense linear systems A·x = b as blocked
// bigslice computations. A System is only a description: no block of
// A or b exists until one of the funcs in this package (Solve,
// Product, Residual) is run on a bigslice session, at which point
// the blocks are generated on whichever machines evaluate the
// corresponding shards.
//
// Generated systems are reproducible: every block is filled from its
// own PRNG whose seed is derived from the system seed and the block's
// coordinates, so re-evaluating a system (for example to verify a
// solution) yields exactly the same matrix regardless of sharding or
// placement.
package linalg

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// BlocksPerDim is the number of blocks along each dimension of a
// described system. Systems smaller than BlocksPerDim use blocks of
// size 1.
const BlocksPerDim = 4

// DefaultSize is the default dimension of a generated system.
const DefaultSize = 10000

// A System describes the dense linear system A·x = b, where A is a
// Size×Size matrix and b a Size×1 vector, both partitioned into
// square blocks of edge BlockSize (the last block along each
// dimension may be smaller).
//
// When A and B are nil, the system's entries are drawn independently
// and uniformly from [0, 1), seeded by Seed. Otherwise A holds the
// row-major matrix and B the right-hand side.
type System struct {
	Size      int       `json:"size"`
	BlockSize int       `json:"blockSize"`
	Seed      int64     `json:"seed"`
	A         []float64 `json:"a,omitempty"`
	B         []float64 `json:"b,omitempty"`
}

// ValidateSize returns an error if size cannot be the dimension of a
// system.
func ValidateSize(size int) error {
	if size <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("linalg: invalid system size %d: must be positive", size))
	}
	return nil
}

// Describe returns a description of a random size×size system seeded
// by seed. No work is performed.
func Describe(size int, seed int64) (System, error) {
	if err := ValidateSize(size); err != nil {
		return System{}, err
	}
	return System{Size: size, BlockSize: blockSize(size), Seed: seed}, nil
}

// DescribeDense returns a description of the system with the given
// coefficient matrix and right-hand side. The values are copied.
func DescribeDense(a [][]float64, b []float64) (System, error) {
	n := len(a)
	if err := ValidateSize(n); err != nil {
		return System{}, err
	}
	if len(b) != n {
		return System{}, errors.E(errors.Invalid, fmt.Sprintf("linalg: right-hand side has length %d, expected %d", len(b), n))
	}
	sys := System{
		Size:      n,
		BlockSize: blockSize(n),
		A:         make([]float64, 0, n*n),
		B:         append([]float64(nil), b...),
	}
	for i, row := range a {
		if len(row) != n {
			return System{}, errors.E(errors.Invalid, fmt.Sprintf("linalg: matrix row %d has length %d, expected %d", i, len(row), n))
		}
		sys.A = append(sys.A, row...)
	}
	return sys, nil
}

func blockSize(size int) int {
	if bs := size / BlocksPerDim; bs > 0 {
		return bs
	}
	return 1
}

// Validate checks that the description is internally consistent.
// Descriptions received from other processes should be validated
// before they are evaluated.
func (s System) Validate() error {
	if err := ValidateSize(s.Size); err != nil {
		return err
	}
	// The block size is fixed by the size, which bounds the number of
	// shards a description can request.
	if got, want := s.BlockSize, blockSize(s.Size); got != want {
		return errors.E(errors.Invalid, fmt.Sprintf("linalg: invalid block size %d for system of size %d, expected %d", got, s.Size, want))
	}
	if (s.A == nil) != (s.B == nil) {
		return errors.E(errors.Invalid, "linalg: explicit systems must provide both A and B")
	}
	if s.A != nil {
		if got, want := len(s.A), s.Size*s.Size; got != want {
			return errors.E(errors.Invalid, fmt.Sprintf("linalg: matrix has %d entries, expected %d", got, want))
		}
		if got, want := len(s.B), s.Size; got != want {
			return errors.E(errors.Invalid, fmt.Sprintf("linalg: right-hand side has length %d, expected %d", got, want))
		}
	}
	return nil
}

// MatrixShape returns the shape of A.
func (s System) MatrixShape() (rows, cols int) { return s.Size, s.Size }

// VectorShape returns the shape of b.
func (s System) VectorShape() (rows, cols int) { return s.Size, 1 }

// NumBlocks returns the number of blocks along each dimension.
func (s System) NumBlocks() int {
	return (s.Size + s.BlockSize - 1) / s.BlockSize
}

// Bounds returns the half-open index range [lo, hi) covered by block i
// along either dimension.
func (s System) Bounds(i int) (lo, hi int) {
	lo = i * s.BlockSize
	hi = lo + s.BlockSize
	if hi > s.Size {
		hi = s.Size
	}
	return
}

// String returns a short description of the system, suitable for logging.
func (s System) String() string {
	kind := fmt.Sprintf("random(seed=%d)", s.Seed)
	if s.A != nil {
		kind = "dense"
	}
	return fmt.Sprintf("%s %dx%d in %d blocks of %d", kind, s.Size, s.Size, s.NumBlocks(), s.BlockSize)
}

const (
	matrixStream = iota + 1
	vectorStream
)

// MatrixBlock returns block (i, j) of A in row-major order.
func (s System) MatrixBlock(i, j int) []float64 {
	rlo, rhi := s.Bounds(i)
	clo, chi := s.Bounds(j)
	block := make([]float64, (rhi-rlo)*(chi-clo))
	if s.A != nil {
		w := chi - clo
		for r := rlo; r < rhi; r++ {
			copy(block[(r-rlo)*w:], s.A[r*s.Size+clo:r*s.Size+chi])
		}
		return block
	}
	fill(block, s.blockSeed(matrixStream, i, j))
	return block
}

// VectorBlock returns block i of b.
func (s System) VectorBlock(i int) []float64 {
	lo, hi := s.Bounds(i)
	if s.B != nil {
		return append([]float64(nil), s.B[lo:hi]...)
	}
	block := make([]float64, hi-lo)
	fill(block, s.blockSeed(vectorStream, i, 0))
	return block
}

// BlockSeed derives the PRNG seed of a single block of the given
// stream from the system seed.
func (s System) blockSeed(stream, i, j int) int64 {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(s.Seed))
	binary.LittleEndian.PutUint64(buf[8:], uint64(stream))
	binary.LittleEndian.PutUint64(buf[16:], uint64(i))
	binary.LittleEndian.PutUint64(buf[24:], uint64(j))
	return int64(murmur3.Sum64(buf[:]))
}

func fill(block []float64, seed int64) {
	r := rand.New(rand.NewSource(seed))
	for k := range block {
		block[k] = r.Float64()
	}
}
