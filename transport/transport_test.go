package transport_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/turnkit/transport"
)

func TestExecute_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := transport.New()
	resp, err := tr.Execute(context.Background(), transport.Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestExecute_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("try again in 2s"))
	}))
	defer srv.Close()

	tr := transport.New()
	_, err := tr.Execute(context.Background(), transport.Request{Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)
	te, ok := transport.AsError(err)
	require.True(t, ok)
	require.Equal(t, transport.KindHTTP, te.Kind)
	require.Equal(t, http.StatusTooManyRequests, te.Status)
	require.Contains(t, te.Body, "try again in 2s")
}

func TestStream_LeavesBodyOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("event: response.created\ndata: {}\n\n"))
	}))
	defer srv.Close()

	tr := transport.New()
	resp, err := tr.Stream(context.Background(), transport.Request{Method: http.MethodPost, URL: srv.URL})
	require.NoError(t, err)
	defer resp.Bytes.Close()

	data, err := io.ReadAll(resp.Bytes)
	require.NoError(t, err)
	require.Contains(t, string(data), "response.created")
}

func TestRequestID_PreferenceOrder(t *testing.T) {
	h := http.Header{}
	require.Empty(t, transport.RequestID(h))

	h.Set("cf-ray", "ray-1")
	require.Equal(t, "ray-1", transport.RequestID(h))

	h.Set("x-oai-request-id", "oai-1")
	require.Equal(t, "oai-1", transport.RequestID(h))

	h.Set("x-request-id", "req-1")
	require.Equal(t, "req-1", transport.RequestID(h))
}
