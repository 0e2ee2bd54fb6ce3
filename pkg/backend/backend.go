// Package backend calls model backends over HTTP. It is a transport adapter
// only: breaker state and caching belong to the caller.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pario-ai/modelgate/pkg/models"
)

// Result is a successful backend response.
type Result struct {
	Text       string
	Model      string
	Usage      models.Usage
	Latency    time.Duration
	StatusCode int
}

// Invoker performs one call to the backend serving a model.
type Invoker interface {
	Invoke(ctx context.Context, desc models.ModelDescriptor, req models.ChatRequest) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, desc models.ModelDescriptor, req models.ChatRequest) (*Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, desc models.ModelDescriptor, req models.ChatRequest) (*Result, error) {
	return f(ctx, desc, req)
}

// Error is a classified backend failure.
type Error struct {
	Kind   models.ErrorKind
	Model  string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Model, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Model, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusOf returns the upstream HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var be *Error
	if errors.As(err, &be) {
		return be.Status
	}
	return 0
}

// KindOf extracts the failure kind of err. Unclassified errors count as
// backend_unavailable.
func KindOf(err error) models.ErrorKind {
	if err == nil {
		return models.KindNone
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return classifyTransport(err)
}

// classifyTransport maps an error from the HTTP client to a kind.
func classifyTransport(err error) models.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return models.KindCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return models.KindTimeout
	}
	return models.KindBackendUnavailable
}

// classifyStatus maps a non-2xx status code to a kind.
func classifyStatus(code int) models.ErrorKind {
	switch {
	case code == 408 || code == 504:
		return models.KindTimeout
	case code == 429 || code >= 500:
		return models.KindBackendUnavailable
	default:
		return models.KindBackendRejected
	}
}
