package gateway

import (
	"io"
	"net/http"
)

// Framing describes how the request body arrives on Request.Body.
type Framing int

const (
	// no body at all
	FramingNone Framing = iota
	// exactly ContentLength bytes
	FramingLength
	// raw chunked transfer coding, still framed; for callers reading requests
	// off a raw connection
	FramingChunked
	// transfer coding already removed by the transport, length unknown
	FramingDecoded
)

func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingLength:
		return "length"
	case FramingChunked:
		return "chunked"
	case FramingDecoded:
		return "decoded"
	}
	return "unknown"
}

// Request is a snapshot of one parsed HTTP request. The dispatcher owns it
// for the duration of the request and never modifies it.
type Request struct {
	Method   string
	RawQuery string
	Proto    string
	Header   http.Header

	Framing       Framing
	ContentLength int64
	Body          io.Reader
	// optional; makes a pending read on Body return
	StopBody func()

	RemoteAddr string
	RemoteHost string
	Host       string
	ServerPort string

	// set by the authentication layer when it accepted the request
	AuthType   string
	RemoteUser string
}
