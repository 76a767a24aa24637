package server

import (
	"go/types"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHumanPayload(t *testing.T) {
	tests := []struct {
		hp       HumanPayload
		expected string
	}{
		{HumanPayload{T: types.Float64, Float: 4.2}, `{"f64":4.2}`},
		{HumanPayload{T: types.Int, Int: 3}, `{"int":3}`},
		{HumanPayload{T: types.String, String: "LSCI"}, `{"str":"LSCI"}`},
		{HumanPayload{T: types.Bool, Bool: true}, `{"bool":true}`},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		tt.hp.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if got := strings.TrimSpace(w.Body.String()); got != tt.expected {
			t.Errorf("expected %s got %s", tt.expected, got)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %q", ct)
		}
	}
}

func TestHumanPayloadUnsupported(t *testing.T) {
	w := httptest.NewRecorder()
	HumanPayload{T: types.Complex128}.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}
