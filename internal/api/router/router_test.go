package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/notifier/internal/api/handler"
)

func healthRequest(t *testing.T, deps *handler.Dependencies) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := SetupRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	return w
}

func TestHealthEndpoint(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("healthy", func(t *testing.T) {
		w := healthRequest(t, &handler.Dependencies{
			Logger:   logger,
			DBHealth: func(ctx context.Context) error { return nil },
		})

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"healthy"`)
	})

	t.Run("degraded when the database is unreachable", func(t *testing.T) {
		w := healthRequest(t, &handler.Dependencies{
			Logger:   logger,
			DBHealth: func(ctx context.Context) error { return errors.New("connection refused") },
		})

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"degraded"`)
	})

	t.Run("no checker configured", func(t *testing.T) {
		w := healthRequest(t, &handler.Dependencies{Logger: logger})
		require.Equal(t, http.StatusOK, w.Code)
	})
}
