package locker

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheck(t *testing.T) {
	l := New()
	h := l.Check(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	tests := []struct {
		locked bool
		method string
		path   string
		code   int
	}{
		{false, http.MethodPost, "/set/setpoint_1", http.StatusOK},
		{true, http.MethodPost, "/set/setpoint_1", http.StatusLocked},
		{true, http.MethodGet, "/snapshot", http.StatusOK},
		{true, http.MethodPost, "/lock", http.StatusOK},
	}
	for _, tt := range tests {
		if tt.locked {
			l.Lock()
		} else {
			l.Unlock()
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
		if w.Code != tt.code {
			t.Errorf("%s %s locked=%v: expected %d got %d", tt.method, tt.path, tt.locked, tt.code, w.Code)
		}
	}
}
