// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigsolve solves a random dense linear system A·x = b on a
// remote bigsolve scheduler and reports the time taken by the solve
// and the residual norm ‖A·x − b‖.
//
// Usage:
//
//	bigsolve -scheduler host:port [-size n] [-min-parallelism n]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigsolve/linalg"
	"github.com/grailbio/bigsolve/workflow"
)

const usage = `usage: bigsolve -scheduler host:port [-size n] [-min-parallelism n]

Command bigsolve connects to the bigsolve scheduler at the given
address, generates a random n×n matrix A and n×1 vector b, solves
A·x = b on the scheduler's cluster and verifies the result by
computing the residual norm ‖A·x − b‖.

Flags:
`

func main() {
	log.SetPrefix("bigsolve: ")
	log.SetFlags(0)
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, workflow.Dial))
}

// run runs the command with the provided arguments and returns its
// exit status: 2 for usage errors, 1 if the workflow fails.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, dial workflow.Dialer) int {
	flags := flag.NewFlagSet("bigsolve", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}
	var (
		addr           = flags.String("scheduler", "", "address of the bigsolve scheduler (e.g., 10.0.1.2:8786)")
		size           = flags.Int("size", linalg.DefaultSize, "size of the square matrix (size x size)")
		minParallelism = flags.Int("min-parallelism", 0, "wait until the scheduler reports at least this parallelism before solving")
	)
	if err := flags.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if flags.NArg() != 0 {
		flags.Usage()
		return 2
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "bigsolve: -scheduler is required")
		flags.Usage()
		return 2
	}
	if err := workflow.ValidateSize(*size); err != nil {
		fmt.Fprintf(stderr, "bigsolve: %v\n", err)
		return 1
	}

	r := workflow.Runner{Out: stdout, Dial: dial}
	_, err := r.Run(ctx, workflow.Config{
		Scheduler:      *addr,
		Size:           *size,
		MinParallelism: *minParallelism,
	})
	if err != nil {
		fmt.Fprintf(stderr, "bigsolve: %v\n", err)
		return 1
	}
	return 0
}
