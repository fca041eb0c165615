package freshproxy

import (
	"bufio"
	"errors"
	"io"
	"net/url"
	"strings"

	"go.trai.ch/zerr"
)

// ErrBadRequest means the client request line is unparseable or not a GET.
var ErrBadRequest = zerr.New("bad request")

// maxHeaderLines bounds how many request header lines are drained.
const maxHeaderLines = 100

// Request is a parsed client request line.
type Request struct {
	Method string
	// Request target in origin-form (path and query), used verbatim as cache key.
	Target string
	Proto  string
}

// ReadRequest reads one request line from r.
// Only `GET <target> HTTP/x.y` is accepted. Absolute-form targets are reduced
// to their origin-form. The header fields that follow are left unread, see DrainHeaders.
func ReadRequest(r *bufio.Reader) (Request, error) {
	line, err := readLine(r)
	if err != nil {
		return Request{}, zerr.Wrap(ErrBadRequest, err.Error())
	}
	return parseRequestLine(line)
}

// DrainHeaders consumes request header fields up to the blank line, a read
// error, or maxHeaderLines. The fields are not used. Reading them keeps the
// client from seeing a reset when the connection is closed with unread data.
func DrainHeaders(r *bufio.Reader) {
	for i := 0; i < maxHeaderLines; i++ {
		if l, err := readLine(r); err != nil || l == "" {
			return
		}
	}
}

func parseRequestLine(line string) (Request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return Request{}, zerr.With(zerr.Wrap(ErrBadRequest, "malformed request line"), "line", line)
	}
	req := Request{Method: parts[0], Target: parts[1], Proto: parts[2]}
	if req.Method != "GET" {
		return req, zerr.With(zerr.Wrap(ErrBadRequest, "method not supported"), "method", req.Method)
	}
	if !strings.HasPrefix(req.Proto, "HTTP/1.") {
		return req, zerr.With(zerr.Wrap(ErrBadRequest, "protocol not supported"), "proto", req.Proto)
	}
	target, err := originForm(req.Target)
	if err != nil {
		return req, zerr.With(zerr.Wrap(ErrBadRequest, err.Error()), "target", req.Target)
	}
	req.Target = target
	return req, nil
}

// originForm returns the target in origin-form, i.e. path and query.
func originForm(target string) (string, error) {
	if strings.HasPrefix(target, "/") {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" || u.Host == "" {
		return "", errors.New("target must be in origin-form or an absolute http URL")
	}
	return u.RequestURI(), nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", errors.New("line too long")
	}
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}
