// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package scheduler implements the bigsolve scheduler: an HTTP service
// that hosts a single bigslice session and materializes solves and
// residuals on it on behalf of remote clients.
//
// The scheduler serves the routes defined in package cluster, together
// with Prometheus metrics at /metrics and the bigslice session's debug
// pages under /debug.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigslice/exec"
	"github.com/grailbio/bigsolve/cluster"
	"github.com/grailbio/bigsolve/linalg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation names, as used in metrics labels.
const (
	opSolve    = "solve"
	opResidual = "residual"
)

// Options configures a Scheduler.
type Options struct {
	// MaxConcurrent is the maximum number of materializations that
	// may run on the session at once. Values less than 1 are treated
	// as 1.
	MaxConcurrent int
	// Executor names the bigslice system backing the session. It is
	// reported by the status route.
	Executor string
	// Registry receives the scheduler's metrics. If nil, the scheduler
	// creates its own registry, which also carries the standard Go and
	// process collectors.
	Registry *prometheus.Registry
}

// Scheduler materializes linalg computations on a bigslice session.
type Scheduler struct {
	sess     *exec.Session
	opts     Options
	limiter  *limiter.Limiter
	registry *prometheus.Registry
	metrics  *schedulerMetrics

	inflight  int64
	completed int64
}

// New returns a scheduler that runs computations on sess. The caller
// retains ownership of sess and must shut it down after the scheduler
// is no longer in use.
func New(sess *exec.Session, opts Options) *Scheduler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Executor == "" {
		opts.Executor = "unknown"
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s := &Scheduler{
		sess:     sess,
		opts:     opts,
		limiter:  limiter.New(),
		registry: reg,
		metrics:  newSchedulerMetrics(reg),
	}
	s.limiter.Release(opts.MaxConcurrent)
	return s
}

// Status returns the scheduler's current status.
func (s *Scheduler) Status() cluster.Status {
	return cluster.Status{
		Executor:    s.opts.Executor,
		Parallelism: s.sess.Parallelism(),
		Inflight:    int(atomic.LoadInt64(&s.inflight)),
		Completed:   atomic.LoadInt64(&s.completed),
	}
}

// Solve materializes the solution of sys, waiting for admission if
// the scheduler is already running its maximum number of
// materializations.
func (s *Scheduler) Solve(ctx context.Context, sys linalg.System) ([]float64, error) {
	var x []float64
	err := s.materialize(ctx, opSolve, func(ctx context.Context) error {
		var err error
		x, err = linalg.RunSolve(ctx, s.sess, sys)
		return err
	})
	return x, err
}

// Residual materializes ‖A·x − b‖ for sys, subject to the same
// admission as Solve.
func (s *Scheduler) Residual(ctx context.Context, sys linalg.System, x []float64) (float64, error) {
	var r float64
	err := s.materialize(ctx, opResidual, func(ctx context.Context) error {
		var err error
		r, err = linalg.RunResidual(ctx, s.sess, sys, x)
		return err
	})
	return r, err
}

func (s *Scheduler) materialize(ctx context.Context, op string, run func(context.Context) error) error {
	if err := s.limiter.Acquire(ctx, 1); err != nil {
		s.metrics.materializations.WithLabelValues(op, outcomeRejected).Inc()
		return errors.E(errors.Canceled, fmt.Sprintf("scheduler: %s: waiting for admission", op), err)
	}
	defer s.limiter.Release(1)

	atomic.AddInt64(&s.inflight, 1)
	s.metrics.inflight.Inc()
	start := time.Now()
	err := run(ctx)
	s.metrics.observe(op, start, err)
	s.metrics.inflight.Dec()
	atomic.AddInt64(&s.inflight, -1)
	atomic.AddInt64(&s.completed, 1)
	if err != nil {
		log.Error.Printf("scheduler: %s failed after %s: %v", op, time.Since(start), err)
		return err
	}
	log.Printf("scheduler: %s completed in %s", op, time.Since(start))
	return nil
}

// Handler returns the scheduler's HTTP handler.
func (s *Scheduler) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Get(cluster.StatusPath, s.handleStatus)
	r.Post(cluster.SolvePath, s.handleSolve)
	r.Post(cluster.ResidualPath, s.handleResidual)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	debug := http.NewServeMux()
	s.sess.HandleDebug(debug)
	if sessStatus := s.sess.Status(); sessStatus != nil {
		debug.Handle("/debug/status", status.Handler(sessStatus))
	}
	r.Mount("/debug", debug)
	return r
}

func (s *Scheduler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Scheduler) handleSolve(w http.ResponseWriter, r *http.Request) {
	var req cluster.SolveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.System.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	x, err := s.Solve(r.Context(), req.System)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.SolveReply{X: x})
}

func (s *Scheduler) handleResidual(w http.ResponseWriter, r *http.Request) {
	var req cluster.ResidualRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.System.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	if got, want := len(req.X), req.System.Size; got != want {
		writeError(w, r, errors.E(errors.Invalid, fmt.Sprintf("scheduler: solution has length %d, expected %d", got, want)))
		return
	}
	res, err := s.Residual(r.Context(), req.System, req.X)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.ResidualReply{Residual: res})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("scheduler: decode %s request", r.URL.Path), err)
	}
	return nil
}

// httpStatus maps an error's kind to the status code of its reply.
func httpStatus(err error) int {
	switch {
	case errors.Is(errors.Invalid, err):
		return http.StatusBadRequest
	case errors.Is(errors.Canceled, err), errors.Is(errors.Unavailable, err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	log.Debug.Printf("scheduler: %s %s: %d: %v", r.Method, r.URL.Path, code, err)
	writeJSON(w, code, cluster.NewErrorReply(err))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error.Printf("scheduler: encode reply: %v", err)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug.Printf("scheduler: %s %s from %s (%s)", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}
