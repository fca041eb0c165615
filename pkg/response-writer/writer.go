package writer

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"

	framer "github.com/always-cache/fresh-proxy/pkg/response-framer"
)

const crlf = "\r\n"

// Write serializes a response to w in HTTP/1.1 wire format.
//
// If cacheControl is not empty, every Cache-Control field of the response is dropped
// and a single `Cache-Control: <cacheControl>` field is written instead.
// An empty cacheControl passes the header fields through untouched.
// If cacheStatus is not empty, a Cache-Status field is appended.
//
// The body is written verbatim, so Content-Length fields stay valid.
func Write(w io.Writer, res *framer.Response, cacheControl, cacheStatus string) (int64, error) {
	bw := bufio.NewWriter(w)
	bw.WriteString(res.StatusLine)
	bw.WriteString(crlf)
	for _, field := range res.Header {
		if cacheControl != "" && !field.Raw && strings.EqualFold(field.Name, "Cache-Control") {
			continue
		}
		writeField(bw, field)
	}
	if cacheControl != "" {
		writeField(bw, framer.Field{Name: "Cache-Control", Value: cacheControl})
	}
	if cacheStatus != "" {
		writeField(bw, framer.Field{Name: "Cache-Status", Value: cacheStatus})
	}
	bw.WriteString(crlf)
	n, _ := bw.Write(res.Body)
	// bufio.Writer keeps the first error and returns it from Flush
	if err := bw.Flush(); err != nil {
		return int64(n), err
	}
	return int64(n), nil
}

func writeField(bw *bufio.Writer, field framer.Field) {
	if field.Raw {
		bw.WriteString(field.Name)
	} else {
		bw.WriteString(field.Name)
		bw.WriteString(": ")
		bw.WriteString(field.Value)
	}
	bw.WriteString(crlf)
}

// WriteStatus writes a bodyless response with the given status code.
// It is used for responses the proxy generates itself (400, 500).
func WriteStatus(w io.Writer, statusCode int) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		statusCode, http.StatusText(statusCode))
	return err
}
