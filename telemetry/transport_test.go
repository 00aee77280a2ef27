package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var _ http.RoundTripper = (*InstrumentedTransport)(nil)

func fetchAndClose(t *testing.T, client *http.Client, url string, readN int64) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	if readN < 0 {
		_, _ = io.Copy(io.Discard, resp.Body)
	} else {
		_, _ = io.CopyN(io.Discard, resp.Body, readN)
	}
	require.NoError(t, resp.Body.Close())
}

func TestInstrumentedTransport_Outcomes(t *testing.T) {
	tests := []struct {
		status  int
		outcome string
	}{
		{http.StatusOK, OutcomeSuccess},
		{http.StatusPartialContent, OutcomeSuccess},
		{http.StatusNotFound, OutcomeNotFound},
		{http.StatusTooManyRequests, OutcomeThrottled},
		{http.StatusForbidden, Outcome4xx},
		{http.StatusBadGateway, Outcome5xx},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			reader := setupTestMetrics(t)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			}))
			defer srv.Close()

			client := &http.Client{Transport: NewInstrumentedTransport(nil, "gateway")}
			fetchAndClose(t, client, srv.URL, -1)

			dps := findCounter(collectMetrics(t, reader), "mintcache_upstream_fetch_total")
			require.Len(t, dps, 1)
			require.True(t, hasAttr(dps[0].Attributes, "upstream", "gateway"))
			require.True(t, hasAttr(dps[0].Attributes, "outcome", tt.outcome))
		})
	}
}

func TestInstrumentedTransport_RecordsBytesConsumedOnClose(t *testing.T) {
	reader := setupTestMetrics(t)
	payload := strings.Repeat("p", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "gateway")}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_, err = io.CopyN(io.Discard, resp.Body, 1000)
	require.NoError(t, err)

	// Nothing is recorded until the body is closed.
	require.Empty(t, findCounter(collectMetrics(t, reader), "mintcache_upstream_fetch_total"))

	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "mintcache_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)

	bytesDps := findCounter(rm, "mintcache_upstream_fetch_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1000, bytesDps[0].Value)

	hist := findHistogram(rm, "mintcache_upstream_fetch_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)
}

func TestInstrumentedTransport_EmptyBodyRecordsNoBytes(t *testing.T) {
	reader := setupTestMetrics(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "ledger")}
	fetchAndClose(t, client, srv.URL, -1)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "mintcache_upstream_fetch_total"), 1)
	require.Empty(t, findCounter(rm, "mintcache_upstream_fetch_bytes_total"))
}

func TestInstrumentedTransport_ConnectionError(t *testing.T) {
	reader := setupTestMetrics(t)
	client := &http.Client{
		Transport: NewInstrumentedTransport(nil, "ledger"),
		Timeout:   100 * time.Millisecond,
	}

	_, err := client.Get("http://127.0.0.1:1")
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "mintcache_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", OutcomeError))
}

func TestInstrumentedTransport_Canceled(t *testing.T) {
	reader := setupTestMetrics(t)
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "search")}
	_, err = client.Do(req)
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "mintcache_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "upstream", "search"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", OutcomeCanceled))
}

func TestInstrumentedTransport_WithoutMetrics(t *testing.T) {
	globalMetrics = nil
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "gateway")}
	fetchAndClose(t, client, srv.URL, -1)
}

func TestNewInstrumentedTransport_Base(t *testing.T) {
	require.Equal(t, http.DefaultTransport, NewInstrumentedTransport(nil, "gateway").base)

	custom := &http.Transport{}
	require.Equal(t, custom, NewInstrumentedTransport(custom, "gateway").base)
}
