package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOK(t *testing.T) {
	rr := httptest.NewRecorder()
	OK(rr, http.StatusCreated, "created", map[string]string{"id": "k1"})

	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, true, body["success"])
	require.Equal(t, "created", body["message"])
	require.Equal(t, map[string]any{"id": "k1"}, body["data"])
}

func TestFailOmitsData(t *testing.T) {
	rr := httptest.NewRecorder()
	Fail(rr, http.StatusBadRequest, "nope")

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.JSONEq(t, `{"success":false,"message":"nope"}`, rr.Body.String())
}

func TestMessage(t *testing.T) {
	rr := httptest.NewRecorder()
	Message(rr, http.StatusUnauthorized, "Unauthorized")

	require.JSONEq(t, `{"message":"Unauthorized"}`, rr.Body.String())
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":1}`))
	require.Error(t, Decode(req, &v))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`))
	require.NoError(t, Decode(req, &v))
	require.Equal(t, "a", v.Name)
}
