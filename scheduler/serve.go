// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds the time the scheduler waits for running
// requests to complete once it is asked to stop serving.
var ShutdownTimeout = 30 * time.Second

// ListenAndServe listens on the TCP address addr and serves the
// scheduler until ctx is done.
func (s *Scheduler) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.E(errors.Net, fmt.Sprintf("scheduler: listen %s", addr), err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves the scheduler on lis until ctx is done, after which
// the server is shut down gracefully. Serve closes lis.
func (s *Scheduler) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("scheduler: serving on %s", lis.Addr())
		if err := srv.Serve(lis); err != http.ErrServerClosed {
			return errors.E(errors.Net, "scheduler: serve", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.E(errors.Unavailable, "scheduler: shutdown", err)
		}
		log.Printf("scheduler: stopped serving on %s", lis.Addr())
		return nil
	})
	return g.Wait()
}
