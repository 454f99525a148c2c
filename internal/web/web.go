// Package web serves the embedded browser client. The page is a single
// self-contained HTML file speaking the live Q&A WebSocket protocol:
// transcript feed, insight cards, suggested questions, an ask box, and
// editors for the shared knowledge base and session focus.
//
// The WebSocket endpoint lives on a different listener than the page, so
// its address is rendered into the page at startup rather than guessed
// from window.location.
package web

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
)

//go:embed index.html.tmpl
var pageTemplate string

var page = template.Must(template.New("index").Parse(pageTemplate))

// Handler renders the client page with the WebSocket address baked in and
// returns a handler serving it at the root path. Rendering happens once;
// requests get the cached bytes.
func Handler(wsURL string) (http.Handler, error) {
	var buf bytes.Buffer
	if err := page.Execute(&buf, struct{ WebSocketURL string }{wsURL}); err != nil {
		return nil, fmt.Errorf("web: render client page: %w", err)
	}
	body := buf.Bytes()
	length := strconv.Itoa(len(body))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The ops mux routes everything unmatched here, so unknown
		// paths must 404 instead of silently serving the page.
		if r.URL.Path != "/" && r.URL.Path != "/index.html" {
			http.NotFound(w, r)
			return
		}
		h := w.Header()
		h.Set("Content-Type", "text/html; charset=utf-8")
		h.Set("Content-Length", length)
		h.Set("Cache-Control", "no-store")
		w.Write(body)
	}), nil
}
