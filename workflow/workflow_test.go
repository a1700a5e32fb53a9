// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package workflow_test

import (
	"bytes"
	"context"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigslice/exec"
	"github.com/grailbio/bigsolve/cluster"
	"github.com/grailbio/bigsolve/linalg"
	"github.com/grailbio/bigsolve/linalg/linalgtest"
	"github.com/grailbio/bigsolve/scheduler"
	"github.com/grailbio/bigsolve/workflow"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// localCluster solves systems in-process with a dense LU decomposition.
type localCluster struct {
	solved []linalg.System
	x      []float64
	closed bool
	err    error
}

func (c *localCluster) Solve(ctx context.Context, sys linalg.System) ([]float64, error) {
	c.solved = append(c.solved, sys)
	if c.err != nil {
		return nil, c.err
	}
	a, b := dense(sys)
	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		if cond, ok := err.(mat.Condition); !ok || math.IsInf(float64(cond), 1) {
			return nil, errors.E(errors.Invalid, err)
		}
	}
	c.x = x.RawVector().Data
	return c.x, nil
}

func (c *localCluster) Residual(ctx context.Context, sys linalg.System, x []float64) (float64, error) {
	a, b := dense(sys)
	var r mat.VecDense
	r.MulVec(a, mat.NewVecDense(len(x), x))
	r.SubVec(&r, b)
	return floats.Norm(r.RawVector().Data, 2), nil
}

func (c *localCluster) Close() error {
	c.closed = true
	return nil
}

func dense(sys linalg.System) (*mat.Dense, *mat.VecDense) {
	a := mat.NewDense(sys.Size, sys.Size, nil)
	for i, row := range linalgtest.Matrix(sys) {
		a.SetRow(i, row)
	}
	return a, mat.NewVecDense(sys.Size, linalgtest.Vector(sys))
}

func dialer(c *localCluster, dialed *int) workflow.Dialer {
	return func(ctx context.Context, addr string) (workflow.Cluster, error) {
		*dialed++
		return c, nil
	}
}

// tick returns a clock that advances by d on each reading.
func tick(d time.Duration) func() time.Time {
	t := time.Unix(0, 0)
	return func() time.Time {
		t = t.Add(d)
		return t
	}
}

func TestInvalidSize(t *testing.T) {
	for _, size := range []int{0, -1, -10000} {
		var (
			out    bytes.Buffer
			dialed int
		)
		r := workflow.Runner{Out: &out, Dial: dialer(&localCluster{}, &dialed)}
		_, err := r.Run(context.Background(), workflow.Config{Scheduler: "localhost:8786", Size: size})
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("size %d: got %v, want invalid", size, err)
		}
		if dialed != 0 {
			t.Errorf("size %d: dialed before validating", size)
		}
		if out.Len() != 0 {
			t.Errorf("size %d: unexpected output %q", size, out.String())
		}
	}
}

func TestMissingScheduler(t *testing.T) {
	var dialed int
	r := workflow.Runner{Dial: dialer(&localCluster{}, &dialed)}
	_, err := r.Run(context.Background(), workflow.Config{Size: 4})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if dialed != 0 {
		t.Error("dialed without an address")
	}
}

func TestIdentity(t *testing.T) {
	var (
		out    bytes.Buffer
		dialed int
		c      = new(localCluster)
	)
	r := workflow.Runner{
		Out:  &out,
		Dial: dialer(c, &dialed),
		Describe: func(size int, seed int64) (linalg.System, error) {
			return linalg.DescribeDense(linalgtest.Identity(size), linalgtest.Range(size))
		},
		Now: tick(1500 * time.Millisecond),
	}
	report, err := r.Run(context.Background(), workflow.Config{Scheduler: "10.0.1.2:8786", Size: 4, Seed: 1})
	assert.NoError(t, err)
	for i, v := range c.x {
		if got, want := v, float64(i+1); math.Abs(got-want) > 1e-9 {
			t.Errorf("x[%d]: got %v, want %v", i, got, want)
		}
	}
	if report.Residual < 0 || report.Residual >= 1e-9 {
		t.Errorf("got residual %v, want < 1e-9", report.Residual)
	}
	if got, want := report.Elapsed, 1500*time.Millisecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !c.closed {
		t.Error("cluster handle was not closed")
	}
	expect.EQ(t, dialed, 1)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{
		"Connecting to scheduler at 10.0.1.2:8786...",
		"Connected!",
		"Generating random 4x4 matrix A and vector b...",
		"Solving Ax = b...",
		"Solve completed in 1.50 seconds.",
		"Result shape: (4, 1)",
		"Verifying result...",
	}
	if len(lines) != len(want)+1 {
		t.Fatalf("got output %q", out.String())
	}
	expect.EQ(t, lines[:len(want)], want)
	if !strings.HasPrefix(lines[len(want)], "Residual norm: ") {
		t.Errorf("got %q, want residual norm", lines[len(want)])
	}
}

func TestShapesAndResidual(t *testing.T) {
	fz := fuzz.NewWithSeed(3)
	for i := 0; i < 20; i++ {
		var size uint8
		fz.Fuzz(&size)
		n := int(size)%64 + 1
		c := new(localCluster)
		r := workflow.Runner{Dial: dialer(c, new(int))}
		report, err := r.Run(context.Background(), workflow.Config{Scheduler: "localhost:1", Size: n})
		assert.NoError(t, err)
		sys := c.solved[0]
		if rows, cols := sys.MatrixShape(); rows != n || cols != n {
			t.Errorf("A has shape (%d, %d), want (%d, %d)", rows, cols, n, n)
		}
		if rows, cols := sys.VectorShape(); rows != n || cols != 1 {
			t.Errorf("b has shape (%d, %d), want (%d, 1)", rows, cols, n)
		}
		if got, want := len(c.x), n; got != want {
			t.Errorf("got len(x) %v, want %v", got, want)
		}
		if report.Residual < 0 {
			t.Errorf("got negative residual %v", report.Residual)
		}
		if report.Elapsed < 0 {
			t.Errorf("got negative elapsed time %v", report.Elapsed)
		}
	}
}

func TestUnreachable(t *testing.T) {
	var out bytes.Buffer
	_, err := workflow.Run(context.Background(), &out, workflow.Config{Scheduler: "256.256.256.256:0", Size: 4})
	if !errors.Is(errors.Net, err) {
		t.Errorf("got %v, want net error", err)
	}
	if strings.Contains(out.String(), "Solve completed") {
		t.Errorf("unexpected output %q", out.String())
	}
	if got, want := out.String(), "Connecting to scheduler at 256.256.256.256:0...\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSolveFailure(t *testing.T) {
	var out bytes.Buffer
	c := &localCluster{err: errors.E(errors.Invalid, "matrix is singular")}
	r := workflow.Runner{Out: &out, Dial: dialer(c, new(int))}
	_, err := r.Run(context.Background(), workflow.Config{Scheduler: "localhost:1", Size: 4})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if strings.Contains(out.String(), "Solve completed") {
		t.Errorf("unexpected output %q", out.String())
	}
	if !c.closed {
		t.Error("cluster handle was not closed")
	}
}

// TestElapsedAfterMaterialization checks that the clock is read only
// after the solution has been returned.
func TestElapsedAfterMaterialization(t *testing.T) {
	var (
		clock    = time.Unix(0, 0)
		readings []string
		c        = new(localCluster)
	)
	r := workflow.Runner{
		Dial: func(ctx context.Context, addr string) (workflow.Cluster, error) {
			return solveHook{c, func() { clock = clock.Add(time.Second); readings = append(readings, "solve") }}, nil
		},
		Now: func() time.Time {
			readings = append(readings, "now")
			return clock
		},
	}
	report, err := r.Run(context.Background(), workflow.Config{Scheduler: "localhost:1", Size: 3, Seed: 9})
	assert.NoError(t, err)
	if got, want := report.Elapsed, time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	expect.EQ(t, readings, []string{"now", "solve", "now"})
}

type solveHook struct {
	*localCluster
	hook func()
}

func (s solveHook) Solve(ctx context.Context, sys linalg.System) ([]float64, error) {
	x, err := s.localCluster.Solve(ctx, sys)
	s.hook()
	return x, err
}

// awaitingCluster reports the parallelism it is given.
type awaitingCluster struct {
	*localCluster
	parallelism int
	err         error
	awaited     []int
}

func (a *awaitingCluster) AwaitParallelism(ctx context.Context, min int) (cluster.Status, error) {
	a.awaited = append(a.awaited, min)
	return cluster.Status{Parallelism: a.parallelism}, a.err
}

func TestMinParallelism(t *testing.T) {
	var (
		out bytes.Buffer
		c   = &awaitingCluster{localCluster: new(localCluster), parallelism: 8}
	)
	r := workflow.Runner{
		Out: &out,
		Dial: func(ctx context.Context, addr string) (workflow.Cluster, error) {
			return c, nil
		},
	}
	_, err := r.Run(context.Background(), workflow.Config{Scheduler: "localhost:1", Size: 4, MinParallelism: 6})
	assert.NoError(t, err)
	expect.EQ(t, c.awaited, []int{6})
	lines := strings.Split(out.String(), "\n")
	if len(lines) < 4 {
		t.Fatalf("got output %q", out.String())
	}
	expect.EQ(t, lines[1:4], []string{
		"Connected!",
		"Waiting for parallelism 6...",
		"Parallelism 8 available.",
	})
}

func TestMinParallelismUnavailable(t *testing.T) {
	var out bytes.Buffer
	c := &awaitingCluster{
		localCluster: new(localCluster),
		err:          errors.E(errors.Unavailable, "gave up waiting"),
	}
	r := workflow.Runner{
		Out: &out,
		Dial: func(ctx context.Context, addr string) (workflow.Cluster, error) {
			return c, nil
		},
	}
	_, err := r.Run(context.Background(), workflow.Config{Scheduler: "localhost:1", Size: 4, MinParallelism: 2})
	if !errors.Is(errors.Unavailable, err) {
		t.Errorf("got %v, want unavailable", err)
	}
	if len(c.solved) != 0 {
		t.Error("solved before the cluster was ready")
	}
	if !c.closed {
		t.Error("cluster handle was not closed")
	}
}

func TestMinParallelismNotSupported(t *testing.T) {
	c := new(localCluster)
	r := workflow.Runner{Dial: dialer(c, new(int))}
	_, err := r.Run(context.Background(), workflow.Config{Scheduler: "localhost:1", Size: 4, MinParallelism: 2})
	if !errors.Is(errors.NotSupported, err) {
		t.Errorf("got %v, want not supported", err)
	}
	if len(c.solved) != 0 {
		t.Error("solved without waiting")
	}
}

func TestScheduler(t *testing.T) {
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	srv := httptest.NewServer(scheduler.New(sess, scheduler.Options{}).Handler())
	defer srv.Close()

	var out bytes.Buffer
	report, err := workflow.Run(context.Background(), &out, workflow.Config{
		Scheduler:      strings.TrimPrefix(srv.URL, "http://"),
		Size:           24,
		MinParallelism: 1,
	})
	assert.NoError(t, err)
	if got, want := report.Size, 24; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if report.Residual < 0 || report.Residual > 1e-8 {
		t.Errorf("got residual %v, want small and non-negative", report.Residual)
	}
	if !strings.Contains(out.String(), "Result shape: (24, 1)\n") {
		t.Errorf("got output %q", out.String())
	}
}
