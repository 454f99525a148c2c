package web_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/earshotlabs/earshot/internal/web"
)

func TestHandlerServesClientPage(t *testing.T) {
	t.Parallel()

	h, err := web.Handler("ws://localhost:8765/")
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}

	for _, path := range []string{"/", "/index.html"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
		if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
			t.Errorf("GET %s content type = %q, want text/html", path, got)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	body := rec.Body.String()

	if !strings.Contains(body, "ws://localhost:8765/") {
		t.Error("page does not carry the websocket address")
	}
	if !strings.Contains(body, "<title>Earshot</title>") {
		t.Error("page missing title")
	}
}

func TestHandlerRejectsUnknownPaths(t *testing.T) {
	t.Parallel()

	h, err := web.Handler("ws://localhost:8765/")
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}

	for _, path := range []string{"/favicon.ico", "/admin", "/static/app.js"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusNotFound)
		}
	}
}

func TestHandlerEscapesWebSocketAddress(t *testing.T) {
	t.Parallel()

	h, err := web.Handler(`ws://host/"</script><script>alert(1)</script>`)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	body := rec.Body.String()

	if strings.Contains(body, "alert(1)</script>") {
		t.Error("websocket address was interpolated without escaping")
	}
	if got := strings.Count(body, "</script>"); got != 1 {
		t.Errorf("page has %d closing script tags, want 1", got)
	}
}
