// Package agent invokes remote agents for claimed trigger instances and
// merges their results back into the session.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// Transport performs one request/response exchange with a remote endpoint.
// payload and the returned body are JSON documents.
type Transport interface {
	Call(ctx context.Context, endpoint string, payload []byte) ([]byte, error)
}

// TransientError marks a failure worth retrying: connection errors, rate
// limiting, and temporary unavailability.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Router selects a transport by endpoint URL scheme.
type Router struct {
	routes map[string]Transport
}

// NewRouter returns a router serving http, https and grpc endpoints. Either
// transport may be nil to leave its schemes unsupported.
func NewRouter(httpTransport *HTTPTransport, grpcTransport *GrpcTransport) *Router {
	r := &Router{routes: map[string]Transport{}}
	if httpTransport != nil {
		r.routes["http"] = httpTransport
		r.routes["https"] = httpTransport
	}
	if grpcTransport != nil {
		r.routes["grpc"] = grpcTransport
	}
	return r
}

// Call dispatches to the transport registered for the endpoint scheme.
func (r *Router) Call(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	t, ok := r.routes[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return t.Call(ctx, endpoint, payload)
}

var (
	_ Transport = (*Router)(nil)
	_ Transport = (*HTTPTransport)(nil)
	_ Transport = (*GrpcTransport)(nil)
)
