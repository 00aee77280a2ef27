package telemetry

import (
	"io"
	"net/http"
	"sync"
	"time"
)

// Upstream fetch outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeNotFound  = "not_found"
	OutcomeThrottled = "throttled"
	Outcome4xx       = "4xx"
	Outcome5xx       = "5xx"
	OutcomeError     = "error"
	OutcomeCanceled  = "canceled"
)

// InstrumentedTransport records upstream fetch metrics for the ledger,
// gateway and search clients.
type InstrumentedTransport struct {
	base     http.RoundTripper
	upstream string
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when nil.
func NewInstrumentedTransport(base http.RoundTripper, upstream string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, upstream: upstream}
}

// RoundTrip implements http.RoundTripper. Failed round trips are recorded
// immediately; responses are recorded when their body is closed so the
// byte count covers what the caller consumed.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := OutcomeError
		if ctx.Err() != nil {
			outcome = OutcomeCanceled
		}
		RecordUpstreamFetch(ctx, t.upstream, time.Since(start), 0, outcome)
		return nil, err
	}

	body := &meteredBody{ReadCloser: resp.Body}
	outcome := statusOutcome(resp.StatusCode)
	body.done = func() {
		RecordUpstreamFetch(ctx, t.upstream, time.Since(start), body.n, outcome)
	}
	resp.Body = body
	return resp, nil
}

// statusOutcome classifies a response. Missing content and rate limiting
// are split out because gateways and ledgers produce both routinely.
func statusOutcome(status int) string {
	switch {
	case status == http.StatusNotFound:
		return OutcomeNotFound
	case status == http.StatusTooManyRequests:
		return OutcomeThrottled
	case status >= 500:
		return Outcome5xx
	case status >= 400:
		return Outcome4xx
	default:
		return OutcomeSuccess
	}
}

type meteredBody struct {
	io.ReadCloser
	n    int64
	once sync.Once
	done func()
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *meteredBody) Close() error {
	b.once.Do(b.done)
	return b.ReadCloser.Close()
}
