// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsolve/linalg"
)

// Paths served by a scheduler.
const (
	StatusPath   = "/v1/status"
	SolvePath    = "/v1/solve"
	ResidualPath = "/v1/residual"
)

// SolveRequest asks a scheduler to materialize the solution of System.
type SolveRequest struct {
	System linalg.System `json:"system"`
}

// SolveReply carries a materialized solution.
type SolveReply struct {
	X []float64 `json:"x"`
}

// ResidualRequest asks a scheduler to materialize ‖A·X − b‖ for System.
type ResidualRequest struct {
	System linalg.System `json:"system"`
	X      []float64     `json:"x"`
}

// ResidualReply carries a materialized residual norm.
type ResidualReply struct {
	Residual float64 `json:"residual"`
}

// Status describes the state of a scheduler.
type Status struct {
	// Executor names the bigslice system the scheduler's session runs on.
	Executor string `json:"executor"`
	// Parallelism is the session's target parallelism.
	Parallelism int `json:"parallelism"`
	// Inflight is the number of materializations currently running.
	Inflight int `json:"inflight"`
	// Completed is the number of materializations that have finished,
	// successfully or not.
	Completed int64 `json:"completed"`
}

// ErrorReply is the body of every non-2xx scheduler response. The
// error's kind travels separately from its message so that the message
// does not repeat the kind's description.
type ErrorReply struct {
	Kind    int    `json:"kind"`
	Message string `json:"message"`
}

// NewErrorReply encodes err for transmission to a client.
func NewErrorReply(err error) ErrorReply {
	e := errors.Recover(err)
	return ErrorReply{Kind: int(e.Kind), Message: message(err)}
}

// Err reconstructs the error carried by the reply, retaining its kind.
func (r ErrorReply) Err() error {
	return errors.E(errors.Kind(r.Kind), r.Message)
}

// message joins the messages along err's chain, omitting the kind
// descriptions that *errors.Error adds when formatted.
func message(err error) string {
	var parts []string
	for err != nil {
		e, ok := err.(*errors.Error)
		if !ok {
			parts = append(parts, err.Error())
			break
		}
		if e.Message != "" {
			parts = append(parts, e.Message)
		}
		err = e.Err
	}
	return strings.Join(parts, ": ")
}
