package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadyzReportsFailingChecks(t *testing.T) {
	mux := NewBaseMuxWithReady(
		ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }},
		ReadyCheck{Name: "kafka", Check: func(context.Context) error { return errors.New("dial refused") }},
	)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body readiness
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "unavailable", body.Status)
	require.Equal(t, "ok", body.Checks["db"])
	require.Equal(t, "dial refused", body.Checks["kafka"])
}

func TestReadyzOKWithoutChecks(t *testing.T) {
	mux := NewBaseMuxWithReady()
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.Contains(t, rec.Body.String(), `"status":"ok"`)
	}
}

func TestShutdownRunsEveryCloser(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var ran []string
	err := Shutdown(logger, time.Second,
		Closer{Name: "http", Close: func(context.Context) error { ran = append(ran, "http"); return errors.New("boom") }},
		Closer{Name: "skipped"},
		Closer{Name: "otel", Close: func(ctx context.Context) error {
			_, ok := ctx.Deadline()
			require.True(t, ok)
			ran = append(ran, "otel")
			return nil
		}},
	)
	require.EqualError(t, err, "boom")
	require.Equal(t, []string{"http", "otel"}, ran)
}
