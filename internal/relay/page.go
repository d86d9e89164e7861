package relay

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
)

// WriteError writes a complete proxy error response: status line,
// Connection: close, a Content-Length computed from the serialized body,
// and a minimal HTML body. The response goes out in a single write.
func WriteError(w io.Writer, status int, cause, message string) error {
	reason := http.StatusText(status)
	if reason == "" {
		reason = "Error"
	}

	body := fmt.Sprintf("<html><head><title>Proxy Error</title></head>\r\n"+
		"<body>%d: %s\r\n"+
		"<p>%s: %s</p>\r\n"+
		"<hr><em>relayproxy</em></body></html>\r\n",
		status, reason, html.EscapeString(cause), html.EscapeString(message))

	response := "HTTP/1.0 " + strconv.Itoa(status) + " " + reason + "\r\n" +
		"Content-Type: text/html\r\n" +
		"Connection: close\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"\r\n" + body

	_, err := io.WriteString(w, response)
	return err
}
