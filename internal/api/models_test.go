package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/registry"
)

func serveModels(r *http.Request) *httptest.ResponseRecorder {
	h := NewModelsHandler(newIdentity(testSecret, log.NewNop()), log.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestListModelsIncludesCatalogAndRoster(t *testing.T) {
	w := serveModels(httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"gemini-flash"`)
	assert.Contains(t, body, `"roster"`)
	// Provider API identifiers stay server-side.
	assert.NotContains(t, body, "gemini-2.5-flash")
}

func TestUpdateRosterSetsCookie(t *testing.T) {
	w := serveModels(httptest.NewRequest(http.MethodPut, "/api/v1/models/roster",
		strings.NewReader(`{"chat":"gpt-4o","text":"gemini-flash","code":"qwen-coder"}`)))

	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, rosterCookieName, cookies[0].Name)
}

func TestUpdateRosterFillsEmptySlots(t *testing.T) {
	w := serveModels(httptest.NewRequest(http.MethodPut, "/api/v1/models/roster",
		strings.NewReader(`{"chat":"gpt-4o"}`)))

	require.Equal(t, http.StatusOK, w.Code)
	def := registry.DefaultRoster()
	assert.Contains(t, w.Body.String(), `"chat":"gpt-4o"`)
	assert.Contains(t, w.Body.String(), `"text":"`+def.Text+`"`)
}

func TestUpdateRosterRejectsUnknownModel(t *testing.T) {
	w := serveModels(httptest.NewRequest(http.MethodPut, "/api/v1/models/roster",
		strings.NewReader(`{"chat":"gpt-99","text":"gemini-flash","code":"gemini-pro"}`)))

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown_model")
}

func TestUpdateRosterRejectsCapabilityMismatch(t *testing.T) {
	// qwen-coder only generates code; it cannot hold the chat slot.
	w := serveModels(httptest.NewRequest(http.MethodPut, "/api/v1/models/roster",
		strings.NewReader(`{"chat":"qwen-coder","text":"gemini-flash","code":"gemini-pro"}`)))

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing_capability")
}
