package identity

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/webpilot/internal/shared"
)

func TestValidSessionID(t *testing.T) {
	assert.True(t, ValidSessionID("abc-123"))
	assert.True(t, ValidSessionID(NewSessionID()))
	assert.False(t, ValidSessionID(""))
	assert.False(t, ValidSessionID("has space"))
	assert.False(t, ValidSessionID("../etc"))

	err := CheckSessionID("bad id")
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrProtocol))
}

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.With(Middleware).Get("/s/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(SessionIDFromContext(r.Context())))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s/tab-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tab-1", rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", IPFromRequest(req))
	req.RemoteAddr = "nohost"
	assert.Equal(t, "nohost", IPFromRequest(req))
}
