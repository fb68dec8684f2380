package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

var ErrMalformedOutput = errors.New("malformed CGI output")

// Response is the HTTP response a script asked for.
type Response struct {
	Status int
	Reason string
	Header http.Header
	Body   []byte
}

// Translator turns captured CGI stdout into a Response.
type Translator struct {
	// status for a Location response without Status, 302 when zero
	RedirectStatus int
}

// hop-by-hop framing the gateway owns
var dropResponseHeaders = []string{"Transfer-Encoding", "Connection"}

// Translate parses header lines up to the first empty line and treats the
// rest as the body. Lines may end in CRLF or LF. A first line of the form
// "HTTP/1.x NNN Reason" sets the status like a Status header would.
func (me *Translator) Translate(out []byte) (*Response, error) {
	ret := &Response{Header: make(http.Header)}

	rest := out
	first := true
	terminated := false
	lastKey := ""
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(rest[:i], []byte("\r"))
		rest = rest[i+1:]

		if len(line) == 0 {
			terminated = true
			break
		}

		if first && bytes.HasPrefix(line, []byte("HTTP/")) {
			first = false
			sp := bytes.IndexByte(line, ' ')
			if sp < 0 {
				return nil, fmt.Errorf("%w: bad status line %q", ErrMalformedOutput, line)
			}
			code, reason, err := parseStatus(string(bytes.TrimSpace(line[sp+1:])))
			if err != nil {
				return nil, err
			}
			ret.Status, ret.Reason = code, reason
			continue
		}
		first = false

		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			vals := ret.Header[lastKey]
			vals[len(vals)-1] += " " + string(bytes.TrimSpace(line))
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			log.Warnf("cgi: ignoring bogus header line %q", line)
			continue
		}
		rawKey := strings.TrimSpace(string(line[:colon]))
		if rawKey == "" || strings.ContainsAny(rawKey, " \t") {
			log.Warnf("cgi: ignoring bogus header line %q", line)
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(rawKey)
		val := strings.TrimSpace(string(line[colon+1:]))

		if key == "Status" {
			code, reason, err := parseStatus(val)
			if err != nil {
				return nil, err
			}
			ret.Status, ret.Reason = code, reason
			lastKey = ""
			continue
		}
		ret.Header.Add(key, val)
		lastKey = key
	}
	if !terminated {
		return nil, fmt.Errorf("%w: no blank line after headers", ErrMalformedOutput)
	}
	ret.Body = rest

	if ret.Status == 0 {
		if ret.Header.Get("Location") != "" {
			ret.Status = me.RedirectStatus
			if ret.Status == 0 {
				ret.Status = http.StatusFound
			}
		} else {
			ret.Status = http.StatusOK
		}
	}
	if ret.Reason == "" {
		ret.Reason = http.StatusText(ret.Status)
	}

	for _, h := range dropResponseHeaders {
		if _, found := ret.Header[h]; found {
			log.Debugf("cgi: dropping %s from script response", h)
			ret.Header.Del(h)
		}
	}

	if cl := ret.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n != int64(len(ret.Body)) {
			log.Warnf("cgi: script declared Content-Length %q, body is %d bytes", cl, len(ret.Body))
			ret.Header.Set("Content-Length", strconv.Itoa(len(ret.Body)))
		}
	}

	return ret, nil
}

// parseStatus reads "NNN [reason]". Any three digit code from 100 to 999 is
// accepted as-is.
func parseStatus(val string) (int, string, error) {
	if len(val) < 3 {
		return 0, "", fmt.Errorf("%w: short status %q", ErrMalformedOutput, val)
	}
	code, err := strconv.Atoi(val[:3])
	if err != nil || code < 100 {
		return 0, "", fmt.Errorf("%w: bad status %q", ErrMalformedOutput, val)
	}
	if len(val) > 3 && val[3] != ' ' && val[3] != '\t' {
		return 0, "", fmt.Errorf("%w: bad status %q", ErrMalformedOutput, val)
	}
	return code, strings.TrimSpace(val[3:]), nil
}
