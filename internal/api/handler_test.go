package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/handoffd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "bar", got["foo"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: taken", domain.ErrConflict), http.StatusConflict, "conflict"},
		{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
		{domain.ErrInvalidState, http.StatusUnprocessableEntity, "invalid_state"},
		{domain.Unavailable("get session", errors.New("disk")), http.StatusServiceUnavailable, "unavailable"},
		{domain.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			status, code := StatusFor(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	writeError(w, r, errors.New("sql: secret table layout"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotContains(t, w.Body.String(), "secret")
	assert.Contains(t, w.Body.String(), `"code":"internal"`)
	assert.Contains(t, logs.String(), `"remote_ip":"10.0.0.7"`)
	assert.Contains(t, logs.String(), "secret table layout")
}

func TestDecodeRejectsMalformedBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	var v reasonRequest
	assert.False(t, decode(w, r, &v))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	assert.True(t, decode(w, r, &v))
}
