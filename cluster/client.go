// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cluster provides handles to remote bigsolve schedulers. A
// scheduler hosts a bigslice session on a compute cluster; a Client
// submits linear-system descriptions to it and receives materialized
// results.
//
// Dialing a scheduler queries its status once. An unreachable scheduler
// results in an error of kind errors.Net; Dial never retries.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigsolve/linalg"
)

// An Option configures a Client.
type Option func(c *Client)

// HTTPClient configures the client to issue requests through the
// provided HTTP client.
func HTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
		c.ownHTTP = false
	}
}

// AwaitPolicy configures the retry policy used by AwaitParallelism.
func AwaitPolicy(policy retry.Policy) Option {
	return func(c *Client) {
		c.await = policy
	}
}

// DefaultAwaitPolicy polls a scheduler every ten seconds for up to
// ten minutes.
var DefaultAwaitPolicy = retry.MaxRetries(retry.Backoff(10*time.Second, 10*time.Second, 1), 60)

// A Client is a handle to a remote scheduler. It is valid from a
// successful Dial until Close. Clients are safe for concurrent use,
// though materializations are admitted by the scheduler according to
// its own limits.
type Client struct {
	addr string
	base string
	http *http.Client
	// Closing idle connections on Close is only safe when the HTTP
	// client is private to this handle.
	ownHTTP bool
	await   retry.Policy

	mu     sync.Mutex
	closed bool
}

// ValidateAddr checks that addr has the form host:port.
func ValidateAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("cluster: invalid scheduler address %q", addr), err)
	}
	if host == "" {
		return errors.E(errors.Invalid, fmt.Sprintf("cluster: scheduler address %q has no host", addr))
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("cluster: scheduler address %q has invalid port", addr), err)
	}
	return nil
}

// Dial returns a handle to the scheduler at addr, which must be of the
// form host:port. Dial queries the scheduler's status endpoint; if the
// scheduler cannot be reached, or rejects the request, Dial returns an
// error of kind errors.Net.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if err := ValidateAddr(addr); err != nil {
		return nil, err
	}
	c := &Client{
		addr: addr,
		base: "http://" + addr,
		http:    &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		ownHTTP: true,
		await:   DefaultAwaitPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	status, err := c.Status(ctx)
	if err != nil {
		if errors.Is(errors.Net, err) {
			return nil, err
		}
		return nil, errors.E(errors.Net, fmt.Sprintf("cluster: connect %s", addr), err)
	}
	log.Debug.Printf("cluster: connected to %s: executor %s, parallelism %d", addr, status.Executor, status.Parallelism)
	return c, nil
}

// Addr returns the address of the scheduler.
func (c *Client) Addr() string { return c.addr }

// Status returns the current status of the scheduler.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.call(ctx, http.MethodGet, StatusPath, nil, &status)
	return status, err
}

// AwaitParallelism polls the scheduler until it reports a parallelism
// of at least min, and returns its last status. Failed requests are
// retried according to the client's await policy; when the policy is
// exhausted or ctx is done, AwaitParallelism returns an error of kind
// errors.Unavailable.
func (c *Client) AwaitParallelism(ctx context.Context, min int) (Status, error) {
	var (
		status Status
		err    error
	)
	for retries := 0; ; retries++ {
		status, err = c.Status(ctx)
		switch {
		case err == nil && status.Parallelism >= min:
			return status, nil
		case err == nil:
			log.Printf("cluster: %s: parallelism %d/%d", c.addr, status.Parallelism, min)
		case errors.Is(errors.Precondition, err):
			return status, err
		default:
			log.Printf("cluster: %s: waiting for scheduler (attempt %d): %v", c.addr, retries+1, err)
		}
		if werr := retry.Wait(ctx, c.await, retries); werr != nil {
			if err == nil {
				err = errors.E(fmt.Sprintf("parallelism %d, want %d", status.Parallelism, min))
			}
			return status, errors.E(errors.Unavailable, fmt.Sprintf("cluster: %s: gave up waiting for parallelism %d", c.addr, min), err)
		}
	}
}

// Solve materializes the solution of sys on the scheduler's cluster.
// It blocks until the solution is available or the computation fails.
func (c *Client) Solve(ctx context.Context, sys linalg.System) ([]float64, error) {
	var reply SolveReply
	if err := c.call(ctx, http.MethodPost, SolvePath, SolveRequest{System: sys}, &reply); err != nil {
		return nil, err
	}
	if got, want := len(reply.X), sys.Size; got != want {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("cluster: solution has length %d, expected %d", got, want))
	}
	return reply.X, nil
}

// Residual materializes ‖A·x − b‖ for sys on the scheduler's cluster.
func (c *Client) Residual(ctx context.Context, sys linalg.System, x []float64) (float64, error) {
	var reply ResidualReply
	if err := c.call(ctx, http.MethodPost, ResidualPath, ResidualRequest{System: sys, X: x}, &reply); err != nil {
		return 0, err
	}
	return reply.Residual, nil
}

// Close releases the handle. Requests made after Close fail with
// errors.Precondition. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		if c.ownHTTP {
			c.http.CloseIdleConnections()
		}
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) call(ctx context.Context, method, path string, arg, reply interface{}) error {
	if c.isClosed() {
		return errors.E(errors.Precondition, fmt.Sprintf("cluster: %s %s: client is closed", method, path))
	}
	var body io.Reader
	if arg != nil {
		p, err := json.Marshal(arg)
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("cluster: encode %s request", path), err)
		}
		body = bytes.NewReader(p)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return errors.E(errors.Invalid, err)
	}
	req = req.WithContext(ctx)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.E(errors.Canceled, fmt.Sprintf("cluster: %s %s", method, path), ctxErr)
		}
		return errors.E(errors.Net, fmt.Sprintf("cluster: %s %s%s", method, c.addr, path), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e ErrorReply
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
			return errors.E(errors.Net, fmt.Sprintf("cluster: %s %s%s: %s", method, c.addr, path, resp.Status))
		}
		return e.Err()
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return errors.E(errors.Integrity, fmt.Sprintf("cluster: decode %s reply", path), err)
	}
	return nil
}
