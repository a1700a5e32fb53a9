// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigsolved runs a bigsolve scheduler. The scheduler starts a
// bigslice session on the configured system and serves solve and
// residual requests from bigsolve clients until it is interrupted.
//
// Usage:
//
//	bigsolved [-http :8786] [-max-concurrent n] [-system internal|local|ec2] [-parallelism n]
//
// The -http address is the address clients pass to bigsolve's
// -scheduler flag. The same server exposes Prometheus metrics at
// /metrics and the session's status and debug pages under /debug.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigslice/exec"
	"github.com/grailbio/bigsolve/scheduler"
)

// systems lists the values accepted by -system.
const systems = "internal, local, ec2"

// execOptions returns the session options for the named system.
// System "internal" evaluates in process; "local" runs bigmachine
// workers as local processes; "ec2" runs them on EC2 instances.
func execOptions(system string, parallelism int, loadFactor float64) ([]exec.Option, error) {
	var sliceStatus status.Status
	// Ensure bigmachine's group is displayed first.
	_ = sliceStatus.Group(exec.BigmachineStatusGroup)

	options := []exec.Option{exec.Status(&sliceStatus)}
	switch system {
	case "internal":
		options = append(options, exec.Local)
	case "local":
		options = append(options, exec.Bigmachine(bigmachine.Local))
	case "ec2":
		options = append(options, exec.Bigmachine(&ec2system.System{}))
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown system %q; must be one of %s", system, systems))
	}
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	options = append(options, exec.Parallelism(parallelism), exec.MaxLoad(loadFactor))
	return options, nil
}

func main() {
	log.SetPrefix("bigsolved: ")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: bigsolved [flags]

Command bigsolved runs a bigsolve scheduler on a bigslice session.

Flags:
`)
		flag.PrintDefaults()
	}
	var (
		system        = flag.String("system", "internal", "bigslice system: one of "+systems)
		httpAddr      = flag.String("http", ":8786", "address on which to serve bigsolve clients, metrics and status")
		parallelism   = flag.Int("parallelism", 0, "maximum degree of parallelism in CPU cores; 0 requests a default for the system")
		loadFactor    = flag.Float64("load-factor", exec.DefaultMaxLoad, "maximum machine load specified as a fraction")
		consoleStatus = flag.Bool("console-status", false, "print session status to stdout")
		maxConcurrent = flag.Int("max-concurrent", 1, "maximum number of materializations run on the session at once")
	)
	log.AddFlags()
	flag.Parse()
	if flag.NArg() != 0 {
		flag.Usage()
		os.Exit(2)
	}
	options, err := execOptions(*system, *parallelism, *loadFactor)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	// Worker processes are started from this binary; Init does not
	// return in them.
	bigmachine.Init()

	sess := exec.Start(options...)
	defer sess.Shutdown()
	if *consoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s := scheduler.New(sess, scheduler.Options{
		MaxConcurrent: *maxConcurrent,
		Executor:      *system,
	})
	log.Printf("session started on system %s with parallelism %d", *system, sess.Parallelism())
	if err := s.ListenAndServe(ctx, *httpAddr); err != nil {
		log.Error.Printf("%v", err)
		sess.Shutdown()
		os.Exit(1)
	}
}
