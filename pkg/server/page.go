package server

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"
)

// errorPageTemplate renders the body of HTTP responses
// that reject a WebSocket opening handshake.
var errorPageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Code}} {{.Text}}</title></head>
<body>
<h1>{{.Code}} {{.Text}}</h1>
<p>This endpoint only accepts WebSocket connections.</p>
<hr><address>{{.Server}}</address>
</body>
</html>
`))

// errorPage formats a complete HTTP error response, carrying the server
// identifier and the standard status text for the given 4xx code.
func errorPage(serverID string, status int) []byte {
	text := http.StatusText(status)

	var body strings.Builder
	_ = errorPageTemplate.Execute(&body, struct {
		Code   int
		Text   string
		Server string
	}{status, text, serverID})

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, text)
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", body.Len())
	b.WriteString("Server: " + serverID + "\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")
	b.WriteString(body.String())

	return []byte(b.String())
}
