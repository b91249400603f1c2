package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errUtils "github.com/philtim/tzclock/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(srv.URL, WithTimeout(2*time.Second))
	require.NoError(t, err)
	return c
}

func TestHTTPClientCurrent(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(CurrentResponse{
			Timezone: "Europe/Moscow",
			ISO:      "2024-01-15T18:00:00.123456+03:00",
			Time:     "2024-01-15 18:00:00",
			Epoch:    1705330800,
		})
	})

	got, err := c.Current(context.Background(), "Europe/Moscow")
	require.NoError(t, err)
	assert.Equal(t, "/api/current/Europe/Moscow", gotPath)
	assert.True(t, got.Equal(time.Date(2024, 1, 15, 15, 0, 0, 123456000, time.UTC)))
}

func TestHTTPClientConvert(t *testing.T) {
	var payload ConvertPayload
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/convert", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_ = json.NewEncoder(w).Encode(ConvertResponse{ISO: "2024-01-16T00:00:00+09:00"})
	})

	got, err := c.Convert(context.Background(), ConvertRequest{
		Source: "2024-01-15T10:00",
		From:   "America/New_York",
		To:     "Asia/Tokyo",
	})
	require.NoError(t, err)
	assert.Equal(t, ConvertPayload{DT: "2024-01-15T10:00", From: "America/New_York", To: "Asia/Tokyo"}, payload)
	assert.True(t, got.Equal(time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC)))
}

func TestHTTPClientErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"json detail", http.StatusBadRequest, `{"detail":"Unknown timezone: Mars/Olympus"}`, "Unknown timezone: Mars/Olympus"},
		{"plain text", http.StatusBadGateway, "upstream is down\n", "upstream is down"},
		{"empty body", http.StatusServiceUnavailable, "", "HTTP 503 Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Current(context.Background(), "UTC")
			require.ErrorIs(t, err, errUtils.ErrRemote)

			var remote *errUtils.RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, tt.status, remote.Status)
			assert.Equal(t, tt.message, remote.Message)
			assert.Equal(t, tt.message, errUtils.UserMessage(err))
		})
	}
}

func TestHTTPClientMalformedResponses(t *testing.T) {
	for name, body := range map[string]string{
		"not json":    "<html>",
		"missing iso": `{"timezone":"UTC"}`,
		"bad iso":     `{"iso":"yesterday"}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})

			_, err := c.Current(context.Background(), "UTC")
			assert.ErrorIs(t, err, errUtils.ErrRemote)
			assert.Contains(t, err.Error(), "malformed response")
		})
	}
}

func TestHTTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClient(url)
	require.NoError(t, err)

	err = c.Ping(context.Background())
	assert.ErrorIs(t, err, errUtils.ErrRemote)
	assert.Contains(t, errUtils.UserMessage(err), "time server unreachable")
}

func TestHTTPClientCanceledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Current(ctx, "UTC")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewHTTPClientValidatesURL(t *testing.T) {
	_, err := NewHTTPClient("ftp://example.com")
	assert.Error(t, err)

	_, err = NewHTTPClient("://nope")
	assert.Error(t, err)

	c, err := NewHTTPClient("http://127.0.0.1:8000/prefix/")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8000/prefix/api/current/America/New_York", c.endpoint("api", "current", "America/New_York"))
	assert.Equal(t, "http://127.0.0.1:8000/prefix/api/current/Bad%20Zone", c.endpoint("api", "current", "Bad Zone"))
}
