package serializer

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	framer "github.com/always-cache/fresh-proxy/pkg/response-framer"
	"go.trai.ch/zerr"
)

const (
	storedAtHeaderName = "Fresh-Proxy-Stored-At"
	maxAgeHeaderName   = "Fresh-Proxy-Max-Age"
)

// ErrMetadata means a stored response lacks valid timing metadata.
var ErrMetadata = zerr.New("stored response metadata missing or invalid")

type StoredResponse struct {
	Response *framer.Response
	// The value of the clock when the response was stored or last validated.
	StoredAt time.Time
	// Freshness lifetime of the stored response.
	MaxAge time.Duration
}

// StoredResponseToBytes encodes a stored response as an HTTP/1.1 response,
// with the timing metadata carried in two header fields placed before the
// response's own fields.
func StoredResponseToBytes(sRes StoredResponse) []byte {
	res := sRes.Response
	buf := &bytes.Buffer{}
	buf.WriteString(res.StatusLine)
	buf.WriteString("\r\n")
	buf.WriteString(storedAtHeaderName + ": " + strconv.FormatInt(sRes.StoredAt.UnixNano(), 10) + "\r\n")
	buf.WriteString(maxAgeHeaderName + ": " + sRes.MaxAge.String() + "\r\n")
	for _, field := range res.Header {
		buf.WriteString(field.Name)
		if !field.Raw {
			buf.WriteString(": ")
			buf.WriteString(field.Value)
		}
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(res.Body)
	return buf.Bytes()
}

// BytesToStoredResponse decodes bytes written by StoredResponseToBytes.
// Only the two leading fields are read as metadata, so origin fields that
// happen to share their names are kept in the returned response header.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := framer.Parse(b)
	if err != nil {
		return sRes, err
	}
	storedAtStr, err := metadata(res.Header, 0, storedAtHeaderName)
	if err != nil {
		return sRes, err
	}
	storedAt, err := strconv.ParseInt(storedAtStr, 10, 64)
	if err != nil {
		return sRes, zerr.With(zerr.Wrap(ErrMetadata, err.Error()), "field", storedAtHeaderName)
	}
	maxAgeStr, err := metadata(res.Header, 1, maxAgeHeaderName)
	if err != nil {
		return sRes, err
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return sRes, zerr.With(zerr.Wrap(ErrMetadata, err.Error()), "field", maxAgeHeaderName)
	}
	res.Header = res.Header[2:]
	sRes.Response = res
	sRes.StoredAt = time.Unix(0, storedAt)
	sRes.MaxAge = maxAge
	return sRes, nil
}

// metadata returns the value of the field at position i, which must be named name.
func metadata(header framer.Fields, i int, name string) (string, error) {
	if len(header) <= i || header[i].Raw || !strings.EqualFold(header[i].Name, name) {
		return "", zerr.With(zerr.Wrap(ErrMetadata, "decode stored response"), "field", name)
	}
	return header[i].Value, nil
}
