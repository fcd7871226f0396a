package sinks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

func sampleAlert() *model.Alert {
	return &model.Alert{
		ID:      "a-1",
		Rule:    "ioc.domain",
		ScanID:  "s-1",
		Message: "request to known IOC host evil.example",
	}
}

func newTestHTTPSink(t *testing.T, url, expr string) *HTTPSink {
	t.Helper()
	sink, err := NewHTTPSink(HTTPSinkConfig{
		Enabled:           true,
		URL:               url,
		Token:             "tok-123",
		SuccessExpression: expr,
	})
	require.NoError(t, err)
	return sink
}

func TestHTTPSink_SendsSummaryDetailsAndToken(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := newTestHTTPSink(t, srv.URL, "")
	require.NoError(t, sink.Send(context.Background(), sampleAlert()))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	q := got.URL.Query()
	assert.Equal(t, "ioc.domain: request to known IOC host evil.example", q.Get("summary"))
	assert.Equal(t, "request to known IOC host evil.example", q.Get("details"))
	assert.Equal(t, "tok-123", q.Get("token"))
}

func TestHTTPSink_TruncatesLongFields(t *testing.T) {
	var q map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q = r.URL.Query()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	alert := sampleAlert()
	alert.Message = strings.Repeat("x", 500)

	sink := newTestHTTPSink(t, srv.URL, "")
	require.NoError(t, sink.Send(context.Background(), alert))

	require.Len(t, q["summary"], 1)
	assert.Len(t, q["summary"][0], maxFieldLen)
	assert.Len(t, q["details"][0], maxFieldLen)
}

func TestHTTPSink_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	sink := newTestHTTPSink(t, srv.URL, "")
	err := sink.Send(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.False(t, apperrors.Retryable(err))
}

func TestHTTPSink_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := newTestHTTPSink(t, srv.URL, "")
	err := sink.Send(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestHTTPSink_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	sink := newTestHTTPSink(t, srv.URL, "")
	err := sink.Send(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestHTTPSink_SuccessExpression(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantErr   bool
		transient bool
	}{
		{name: "truthy", body: `{"status":"ok","accepted":true}`, wantErr: false},
		{name: "falsy", body: `{"accepted":false}`, wantErr: true, transient: true},
		{name: "missing field", body: `{"status":"ok"}`, wantErr: true, transient: true},
		{name: "not json", body: `accepted`, wantErr: true, transient: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			sink := newTestHTTPSink(t, srv.URL, "accepted")
			err := sink.Send(context.Background(), sampleAlert())
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.transient, apperrors.IsTransient(err))
		})
	}
}

func TestHTTPSink_RefreshPicksUpRotatedToken(t *testing.T) {
	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens = append(tokens, r.URL.Query().Get("token"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("tok-old\n"), 0o600))

	sink, err := NewHTTPSink(HTTPSinkConfig{
		Enabled:   true,
		URL:       srv.URL,
		TokenFile: tokenFile,
	})
	require.NoError(t, err)
	assert.Equal(t, "alert-http-token", sink.SecretName())

	require.NoError(t, sink.Send(context.Background(), sampleAlert()))

	require.NoError(t, os.WriteFile(tokenFile, []byte("tok-new\n"), 0o600))
	require.NoError(t, sink.Refresh(context.Background()))
	require.NoError(t, sink.Send(context.Background(), sampleAlert()))

	assert.Equal(t, []string{"tok-old", "tok-new"}, tokens)
}

func TestHTTPSink_RefreshMissingFileIsTransient(t *testing.T) {
	sink, err := NewHTTPSink(HTTPSinkConfig{
		Enabled:   true,
		URL:       "http://alerts.internal/push",
		Token:     "tok-static",
		TokenFile: filepath.Join(t.TempDir(), "missing"),
	})
	require.NoError(t, err)

	err = sink.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	// The configured token survives a failed refresh.
	assert.Equal(t, "tok-static", sink.currentToken())
}

func TestHTTPSink_BadExpressionRejectedAtConstruction(t *testing.T) {
	_, err := NewHTTPSink(HTTPSinkConfig{
		Enabled:           true,
		URL:               "http://alerts.internal/push",
		SuccessExpression: "][",
	})
	require.Error(t, err)
}

func TestHTTPSink_RequiresURLWhenEnabled(t *testing.T) {
	_, err := NewHTTPSink(HTTPSinkConfig{Enabled: true})
	require.Error(t, err)
}
