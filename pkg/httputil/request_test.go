package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tenantBody struct {
	Domain string `json:"domain"`
	Name   string `json:"name"`
}

func TestParseJSON(t *testing.T) {
	var dest tenantBody
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"domain":"a.com","name":"A"}`))
	require.NoError(t, ParseJSON(r, &dest))
	assert.Equal(t, tenantBody{Domain: "a.com", Name: "A"}, dest)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"domain":"a.com","owner":"x"}`))
	assert.ErrorContains(t, ParseJSON(r, &dest), "invalid JSON")

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	assert.Error(t, ParseJSON(r, &dest))
}

func TestParseJSONOrError(t *testing.T) {
	var dest tenantBody
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))

	assert.False(t, ParseJSONOrError(w, r, &dest))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathInt64(t *testing.T) {
	tests := []struct {
		vars    map[string]string
		want    int64
		wantErr string
	}{
		{map[string]string{"id": "42"}, 42, ""},
		{map[string]string{"id": "abc"}, 0, "invalid integer for id"},
		{map[string]string{}, 0, "missing path parameter: id"},
	}
	for _, tt := range tests {
		r := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), tt.vars)
		got, err := ParsePathInt64(r, "id")
		if tt.wantErr != "" {
			assert.ErrorContains(t, err, tt.wantErr)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestParsePathInt64OrError(t *testing.T) {
	w := httptest.NewRecorder()
	r := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": "x"})

	_, ok := ParsePathInt64OrError(w, r, "id")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQueryUint(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=25&offset=-1", nil)

	v, err := ParseQueryUint(r, "limit", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), v)

	v, err = ParseQueryUint(r, "page", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)

	_, err = ParseQueryUint(r, "offset", 0)
	assert.Error(t, err)
}
