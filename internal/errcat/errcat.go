// Package errcat classifies failures into the orchestrator's error
// taxonomy and records them in the append-only error event log. The
// category decides blame: proxy-side categories feed the circuit breaker,
// target-side ones feed job retry policy.
package errcat

import (
	"context"
	"errors"
	"net"
	"net/url"
	"os"
	"syscall"

	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// ParseError marks a failure as a parse problem. Wrap extraction errors
// with this so classification does not guess from message text.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// ProxyError marks a failure in the proxy tunnel itself (CONNECT refused,
// auth rejected) as opposed to the target.
type ProxyError struct {
	Err error
}

func (e *ProxyError) Error() string { return "proxy: " + e.Err.Error() }
func (e *ProxyError) Unwrap() error { return e.Err }

// Classify maps a failure to its category. statusCode is the HTTP status
// when a response arrived, zero otherwise.
func Classify(err error, statusCode int) domain.ErrorCategory {
	if statusCode >= 500 {
		return domain.ErrHTTP5xx
	}
	if statusCode >= 400 {
		return domain.ErrHTTP4xx
	}
	if err == nil {
		return domain.ErrUnknown
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return domain.ErrParse
	}
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		return domain.ErrProxy
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return domain.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.ErrTimeout
		}
		return domain.ErrNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return domain.ErrNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return domain.ErrNetwork
	}

	return domain.ErrUnknown
}

// EventSink appends classified events; satisfied by
// postgres.ErrorEventStore.
type EventSink interface {
	Append(ctx context.Context, ev domain.ErrorEvent) error
}

// Recorder classifies and logs failures in one step.
type Recorder struct {
	sink EventSink
	log  *zap.Logger
}

// NewRecorder constructs a Recorder.
func NewRecorder(sink EventSink, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{sink: sink, log: log}
}

// Record classifies the failure, appends it to the event log, and returns
// the category. Sink failures are logged and swallowed; losing an event
// row must never break the job path, and the db category would recurse.
func (r *Recorder) Record(ctx context.Context, err error, statusCode int, jobID, proxyID *int64) domain.ErrorCategory {
	cat := Classify(err, statusCode)

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	ev := domain.ErrorEvent{
		Category: cat,
		JobID:    jobID,
		ProxyID:  proxyID,
		Message:  msg,
	}
	if appendErr := r.sink.Append(ctx, ev); appendErr != nil {
		r.log.Error("error event append failed",
			zap.Error(appendErr),
			zap.String("category", string(cat)),
		)
	}
	return cat
}
