// Package ui serves the device-selection panel and opens it in a browser.
package ui

import (
	_ "embed"
	"fmt"
	"html/template"
	"net/http"
	"os/exec"
	"runtime"
)

//go:embed static/index.html
var indexHTML string

var tmpl = template.Must(template.New("index").Parse(indexHTML))

// Handler serves the panel page. The page talks to the API on the same
// origin.
func Handler(title string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		tmpl.Execute(w, struct{ Title string }{title})
	})
}

// PanelURL is the panel address for an API listening on addr.
func PanelURL(addr, token string) string {
	url := fmt.Sprintf("http://%s/", addr)
	if token != "" {
		url += "?token=" + template.URLQueryEscaper(token)
	}
	return url
}

// OpenBrowser launches the default browser on url.
func OpenBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	go cmd.Wait()
	return nil
}
