// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package workflow implements the solve-and-verify workflow: it
// connects to a scheduler, describes a random dense system A·x = b,
// materializes its solution on the scheduler's cluster, and verifies
// the solution by materializing the residual ‖A·x − b‖.
//
// The workflow is strictly sequential. Progress is written to an
// io.Writer as the workflow proceeds; the elapsed solve time and the
// residual are also returned in a Report.
package workflow

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigsolve/cluster"
	"github.com/grailbio/bigsolve/linalg"
)

// Cluster is a handle to a remote computation cluster. It is
// implemented by *cluster.Client.
type Cluster interface {
	// Solve materializes the solution of sys.
	Solve(ctx context.Context, sys linalg.System) ([]float64, error)
	// Residual materializes ‖A·x − b‖ for sys.
	Residual(ctx context.Context, sys linalg.System, x []float64) (float64, error)
	// Close releases the handle.
	Close() error
}

// An Awaiter is a Cluster that can wait for the cluster to reach a
// minimum parallelism. *cluster.Client implements Awaiter.
type Awaiter interface {
	AwaitParallelism(ctx context.Context, min int) (cluster.Status, error)
}

// A Dialer acquires a Cluster handle bound to addr.
type Dialer func(ctx context.Context, addr string) (Cluster, error)

// Dial is the default Dialer. It dials a scheduler with package
// cluster.
func Dial(ctx context.Context, addr string) (Cluster, error) {
	c, err := cluster.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config holds the parameters of a single workflow run.
type Config struct {
	// Scheduler is the host:port address of the scheduler.
	Scheduler string
	// Size is the dimension n of the n×n system.
	Size int
	// Seed seeds the generated system. If zero, a seed is derived
	// from the current time.
	Seed int64
	// MinParallelism, if positive, is the parallelism the cluster
	// must report before the system is submitted.
	MinParallelism int
}

// Report summarizes a completed run.
type Report struct {
	// Size is the dimension of the solved system.
	Size int
	// Seed is the seed from which the system was generated.
	Seed int64
	// Elapsed is the wall-clock time from submitting the solve to the
	// solution being materialized.
	Elapsed time.Duration
	// Residual is the Euclidean norm ‖A·x − b‖.
	Residual float64
}

// Runner runs the workflow. The zero Runner dials schedulers with
// Dial, generates systems with linalg.Describe, uses the system
// clock and discards progress output.
type Runner struct {
	// Out receives progress messages.
	Out io.Writer
	// Dial acquires the cluster handle.
	Dial Dialer
	// Describe describes the system to be solved.
	Describe func(size int, seed int64) (linalg.System, error)
	// Now returns the current time.
	Now func() time.Time
}

// Run runs the workflow with a Runner that writes progress to out.
func Run(ctx context.Context, out io.Writer, config Config) (Report, error) {
	return (&Runner{Out: out}).Run(ctx, config)
}

// ValidateSize checks that size is a valid system dimension.
func ValidateSize(size int) error {
	if err := linalg.ValidateSize(size); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("--size must be a positive integer, got %d", size), err)
	}
	return nil
}

// Run connects to config.Scheduler, solves a random system of
// dimension config.Size on it and verifies the solution. The
// configuration is validated before any connection is attempted. The
// cluster handle is released before Run returns.
func (r *Runner) Run(ctx context.Context, config Config) (report Report, err error) {
	if err = ValidateSize(config.Size); err != nil {
		return
	}
	if config.Scheduler == "" {
		err = errors.E(errors.Invalid, "--scheduler must be set")
		return
	}
	var (
		out      = r.out()
		now      = r.now()
		describe = r.Describe
		dial     = r.Dial
	)
	if describe == nil {
		describe = linalg.Describe
	}
	if dial == nil {
		dial = Dial
	}
	seed := config.Seed
	if seed == 0 {
		seed = now().UnixNano()
	}

	fmt.Fprintf(out, "Connecting to scheduler at %s...\n", config.Scheduler)
	c, err := dial(ctx, config.Scheduler)
	if err != nil {
		kind := errors.Net
		if errors.Is(errors.Invalid, err) {
			kind = errors.Invalid
		}
		return report, errors.E(kind, fmt.Sprintf("connect to scheduler at %s", config.Scheduler), err)
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			log.Error.Printf("close cluster handle: %v", cerr)
		}
	}()
	fmt.Fprintln(out, "Connected!")
	if config.MinParallelism > 0 {
		a, ok := c.(Awaiter)
		if !ok {
			return report, errors.E(errors.NotSupported, "cluster cannot report its parallelism")
		}
		fmt.Fprintf(out, "Waiting for parallelism %d...\n", config.MinParallelism)
		status, err := a.AwaitParallelism(ctx, config.MinParallelism)
		if err != nil {
			return report, err
		}
		fmt.Fprintf(out, "Parallelism %d available.\n", status.Parallelism)
	}

	fmt.Fprintf(out, "Generating random %dx%d matrix A and vector b...\n", config.Size, config.Size)
	sys, err := describe(config.Size, seed)
	if err != nil {
		return report, err
	}

	fmt.Fprintln(out, "Solving Ax = b...")
	start := now()
	x, err := c.Solve(ctx, sys)
	if err != nil {
		return report, err
	}
	elapsed := now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	if got, want := len(x), sys.Size; got != want {
		return report, errors.E(errors.Integrity, fmt.Sprintf("solution has length %d, expected %d", got, want))
	}
	fmt.Fprintf(out, "Solve completed in %.2f seconds.\n", elapsed.Seconds())
	fmt.Fprintf(out, "Result shape: (%d, 1)\n", len(x))

	fmt.Fprintln(out, "Verifying result...")
	residual, err := c.Residual(ctx, sys, x)
	if err != nil {
		return report, err
	}
	fmt.Fprintf(out, "Residual norm: %v\n", residual)
	return Report{
		Size:     sys.Size,
		Seed:     seed,
		Elapsed:  elapsed,
		Residual: residual,
	}, nil
}

func (r *Runner) out() io.Writer {
	if r.Out == nil {
		return ioutil.Discard
	}
	return r.Out
}

func (r *Runner) now() func() time.Time {
	if r.Now == nil {
		return time.Now
	}
	return r.Now
}
