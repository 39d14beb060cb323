package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func makeTestState(t *testing.T) *State {
	t.Helper()
	raw, err := ParseConfig(`{"BindAddr": ["127.0.0.1:0"]}`)
	assert.NoError(t, err)
	sta, err := InitState(raw)
	assert.NoError(t, err)
	return sta
}

func TestStatsEndpoint(t *testing.T) {
	sta := makeTestState(t)
	router := APIRouterOf(sta)

	req := httptest.NewRequest("GET", "/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var info statsInfo
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, 0, info.ActiveSessions)
	assert.Equal(t, 0, info.ActiveStreams)
}

func TestStatsEndpointMethodNotAllowed(t *testing.T) {
	router := APIRouterOf(makeTestState(t))

	req := httptest.NewRequest("POST", "/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
