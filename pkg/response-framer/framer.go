package framer

import (
	"bytes"
	"strconv"
	"strings"

	"go.trai.ch/zerr"
)

var (
	// ErrFraming means the raw bytes contain no blank line separating
	// the header block from the body.
	ErrFraming = zerr.New("no header/body delimiter in response")
	// ErrTruncated means the body is shorter than its declared Content-Length,
	// i.e. the origin closed the stream mid-response.
	ErrTruncated = zerr.New("response body shorter than Content-Length")
	// ErrStatusLine means the first line of the header block is not an HTTP status line.
	ErrStatusLine = zerr.New("malformed status line")
)

var delim = []byte("\r\n\r\n")

// Field is a single header line.
// Lines without a colon are kept with an empty Value and Raw set,
// so that they are reproduced as received.
type Field struct {
	Name  string
	Value string
	Raw   bool
}

// Fields is an ordered list of header fields, in the order received.
type Fields []Field

// Get returns the value of the first field matching name (case-insensitively),
// along with a boolean indicating whether such a field exists.
func (f Fields) Get(name string) (string, bool) {
	for _, field := range f {
		if !field.Raw && strings.EqualFold(field.Name, name) {
			return field.Value, true
		}
	}
	return "", false
}

// Values returns the values of all fields matching name, in order.
func (f Fields) Values(name string) []string {
	var values []string
	for _, field := range f {
		if !field.Raw && strings.EqualFold(field.Name, name) {
			values = append(values, field.Value)
		}
	}
	return values
}

// Without returns a copy of the fields with every field named name removed.
func (f Fields) Without(name string) Fields {
	out := make(Fields, 0, len(f))
	for _, field := range f {
		if !field.Raw && strings.EqualFold(field.Name, name) {
			continue
		}
		out = append(out, field)
	}
	return out
}

// Set returns a copy of the fields where name has the given value.
// The first existing field keeps its position, other fields with the same name are dropped.
// If no field exists, it is appended.
func (f Fields) Set(name, value string) Fields {
	out := make(Fields, 0, len(f)+1)
	set := false
	for _, field := range f {
		if !field.Raw && strings.EqualFold(field.Name, name) {
			if set {
				continue
			}
			field.Value = value
			set = true
		}
		out = append(out, field)
	}
	if !set {
		out = append(out, Field{Name: name, Value: value})
	}
	return out
}

// Response is an origin response split into its parts.
type Response struct {
	StatusLine string
	StatusCode int
	Header     Fields
	Body       []byte
}

// Parse splits a raw HTTP/1.1 response into status line, header fields and body.
// The delimiter is located byte-for-byte, so bodies are never decoded or altered.
func Parse(raw []byte) (*Response, error) {
	idx := bytes.Index(raw, delim)
	if idx < 0 {
		return nil, zerr.With(zerr.Wrap(ErrFraming, "parse response"), "size", len(raw))
	}
	lines := strings.Split(string(raw[:idx]), "\r\n")
	code, err := statusCode(lines[0])
	if err != nil {
		return nil, err
	}
	res := &Response{
		StatusLine: lines[0],
		StatusCode: code,
		Header:     parseFields(lines[1:]),
		Body:       raw[idx+len(delim):],
	}
	if cl, ok := res.Header.Get("Content-Length"); ok {
		if n, err := strconv.Atoi(cl); err == nil && len(res.Body) < n {
			err := zerr.With(zerr.Wrap(ErrTruncated, "parse response"), "declared", n)
			return nil, zerr.With(err, "received", len(res.Body))
		}
	}
	return res, nil
}

func parseFields(lines []string) Fields {
	fields := make(Fields, 0, len(lines))
	for _, line := range lines {
		name, value, found := strings.Cut(line, ":")
		if !found {
			fields = append(fields, Field{Name: line, Raw: true})
			continue
		}
		fields = append(fields, Field{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	return fields
}

// statusCode extracts the numeric code from e.g. "HTTP/1.1 200 OK".
func statusCode(line string) (int, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, zerr.With(zerr.Wrap(ErrStatusLine, "parse response"), "line", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return 0, zerr.With(zerr.Wrap(ErrStatusLine, "parse response"), "line", line)
	}
	return code, nil
}
