// Package helper implements the Helper Router (component C4): the bridge
// between the event loop and an out-of-process artifact-cache helper that
// the core addresses purely through HTTP-shaped request/response events.
package helper

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/baserock/distbuild"
	"github.com/baserock/distbuild/metrics"
)

// HTTPRequest is the payload of a Request event: an HTTP-shaped request
// the Router forwards to its Client.
type HTTPRequest struct {
	ID      string
	URL     string
	Method  string
	Body    []byte
	Headers map[string]string
}

// HTTPResponse is the payload of a Result event.
type HTTPResponse struct {
	ID     string
	Status int
	Body   []byte
}

// Request is published (source distbuild.SourceHelperRouter) by a Worker
// Session that wants the helper subsystem to perform an HTTP call.
type Request struct {
	Msg HTTPRequest
}

// Result is published (source distbuild.SourceHelperRouter) once the
// helper subsystem replies. Every subscriber filters it by Msg.ID.
type Result struct {
	Msg HTTPResponse
}

//go:generate mockgen -package mocks -destination ../mocks/helper_client.go github.com/baserock/distbuild/helper Client

// Client performs the actual out-of-process call a Request asks for. The
// core never does this itself; the Router is just the event-loop-facing
// side of it.
type Client interface {
	Do(ctx context.Context, req HTTPRequest) (HTTPResponse, error)
}

// HTTPClient is the default Client, backed by net/http, the same
// URLGetter-style seam the web-crawler service uses for its own outbound
// fetches.
type HTTPClient struct {
	Underlying *http.Client
}

// Do implements Client.
func (c *HTTPClient) Do(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	underlying := c.Underlying
	if underlying == nil {
		underlying = http.DefaultClient
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return HTTPResponse{}, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := underlying.Do(httpReq)
	if err != nil {
		return HTTPResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return HTTPResponse{}, err
	}

	return HTTPResponse{ID: req.ID, Status: resp.StatusCode, Body: respBody}, nil
}

// StateIdle is the Router's only state: it has no lifecycle of its own,
// it just forwards requests as they arrive.
const StateIdle distbuild.State = "idle"

// Router is the Helper Router state machine.
type Router struct {
	*distbuild.Machine

	loop    *distbuild.EventLoop
	client  Client
	logger  *logrus.Entry
	metrics *metrics.Helper
}

// NewRouter creates a Router that forwards requests through client and
// registers it on loop.
func NewRouter(loop *distbuild.EventLoop, client Client, logger *logrus.Entry, m *metrics.Helper) *Router {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if m == nil {
		m = metrics.NewHelper(nil)
	}

	r := &Router{
		Machine: distbuild.NewMachine(StateIdle),
		loop:    loop,
		client:  client,
		logger:  logger,
		metrics: m,
	}
	r.AddTransitions(distbuild.Transition{
		From:   StateIdle,
		Source: distbuild.SourceHelperRouter,
		Event:  Request{},
		To:     StateIdle,
		Handle: r.handleRequest,
	})
	loop.Register(r.Machine)
	return r
}

// handleRequest never blocks the loop: the actual HTTP call runs on its
// own goroutine and the result is queued back asynchronously.
func (r *Router) handleRequest(_ interface{}, event interface{}) {
	req := event.(Request)
	r.metrics.RequestsSent.Inc()

	go func() {
		resp, err := r.client.Do(context.Background(), req.Msg)
		if err != nil {
			r.logger.WithError(err).WithField("url", req.Msg.URL).Warn("helper request failed")
			r.metrics.RequestsFailed.Inc()
			resp = HTTPResponse{ID: req.Msg.ID, Status: http.StatusBadGateway}
		}
		resp.ID = req.Msg.ID
		r.loop.QueueEvent(distbuild.SourceHelperRouter, Result{Msg: resp})
	}()
}
