package errcat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scraperpro/orchestrator/internal/domain"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		statusCode int
		want       domain.ErrorCategory
	}{
		{"server error", nil, 503, domain.ErrHTTP5xx},
		{"client error", nil, 404, domain.ErrHTTP4xx},
		{"rate limited", nil, 429, domain.ErrHTTP4xx},
		{"deadline", context.DeadlineExceeded, 0, domain.ErrTimeout},
		{"wrapped deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), 0, domain.ErrTimeout},
		{"net timeout", net.Error(timeoutErr{}), 0, domain.ErrTimeout},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "example.invalid"}, 0, domain.ErrNetwork},
		{"url error", &url.Error{Op: "Get", URL: "https://example.com", Err: errors.New("EOF")}, 0, domain.ErrNetwork},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), 0, domain.ErrNetwork},
		{"parse", &ParseError{Err: errors.New("missing selector")}, 0, domain.ErrParse},
		{"proxy tunnel", &ProxyError{Err: errors.New("407 proxy auth required")}, 0, domain.ErrProxy},
		{"unexplained", errors.New("something odd"), 0, domain.ErrUnknown},
		{"no information", nil, 0, domain.ErrUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err, tc.statusCode))
		})
	}
}

type memSink struct {
	events []domain.ErrorEvent
	err    error
}

func (s *memSink) Append(_ context.Context, ev domain.ErrorEvent) error {
	s.events = append(s.events, ev)
	return s.err
}

func TestRecordAppendsEvent(t *testing.T) {
	t.Parallel()

	sink := &memSink{}
	rec := NewRecorder(sink, nil)

	jobID := int64(42)
	proxyID := int64(7)
	cat := rec.Record(context.Background(), timeoutErr{}, 0, &jobID, &proxyID)
	require.Equal(t, domain.ErrTimeout, cat)
	require.Len(t, sink.events, 1)
	require.Equal(t, domain.ErrTimeout, sink.events[0].Category)
	require.Equal(t, &jobID, sink.events[0].JobID)
}

func TestRecordSwallowsSinkFailure(t *testing.T) {
	t.Parallel()

	sink := &memSink{err: errors.New("insert failed")}
	rec := NewRecorder(sink, nil)

	cat := rec.Record(context.Background(), nil, 500, nil, nil)
	require.Equal(t, domain.ErrHTTP5xx, cat)
}
