package gateway

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

var (
	ErrBodyFraming  = errors.New("malformed request body framing")
	ErrBodyTooLarge = errors.New("request body too large")
	ErrBodyClosed   = errors.New("request body closed")
)

const (
	// decoded bodies up to this size stay in memory
	DefaultSpoolMemory = 1 << 20

	maxChunkLineLength = 4096
)

// Body is a request body normalized for the child's stdin: no transfer
// coding, and an exact length known before the child starts.
type Body struct {
	r      io.Reader
	n      int64
	spool  *spool
	closed atomic.Bool
}

// Len is the decoded length in bytes; zero when there is no body.
func (me *Body) Len() int64 {
	return me.n
}

// Reader returns the decoded bytes, or nil when there is no body. Reads
// fail with ErrBodyClosed once the body is closed.
func (me *Body) Reader() io.Reader {
	if me.r == nil {
		return nil
	}
	return bodyReader{me}
}

type bodyReader struct {
	b *Body
}

func (me bodyReader) Read(p []byte) (int, error) {
	if me.b.closed.Load() {
		return 0, ErrBodyClosed
	}
	return me.b.r.Read(p)
}

// Close releases a spooled body. Safe to call more than once, and while a
// reader is still in use.
func (me *Body) Close() error {
	if !me.closed.CompareAndSwap(false, true) || me.spool == nil {
		return nil
	}
	err := me.spool.Close()
	me.spool = nil
	return err
}

// PrepareBody decodes the request body according to its framing. limit caps
// the decoded size; zero means unlimited. Chunked and transport-decoded
// bodies are read fully so that their length is known.
func PrepareBody(req *Request, limit int64, spoolMemory int) (*Body, error) {
	if spoolMemory <= 0 {
		spoolMemory = DefaultSpoolMemory
	}
	switch req.Framing {
	case FramingNone:
		return &Body{}, nil

	case FramingLength:
		if req.ContentLength <= 0 || req.Body == nil {
			return &Body{}, nil
		}
		if limit > 0 && req.ContentLength > limit {
			return nil, fmt.Errorf("%w: content-length %d exceeds %d", ErrBodyTooLarge, req.ContentLength, limit)
		}
		return &Body{r: io.LimitReader(req.Body, req.ContentLength), n: req.ContentLength}, nil

	case FramingChunked:
		if req.Body == nil {
			return nil, fmt.Errorf("%w: chunked request without body", ErrBodyFraming)
		}
		sp := newSpool(spoolMemory)
		n, err := Dechunk(req.Body, sp, limit)
		if err != nil {
			sp.Close()
			return nil, err
		}
		return spooledBody(sp, n)

	case FramingDecoded:
		if req.Body == nil {
			return &Body{}, nil
		}
		sp := newSpool(spoolMemory)
		src := req.Body
		if limit > 0 {
			src = io.LimitReader(req.Body, limit+1)
		}
		n, err := io.Copy(sp, src)
		if err != nil {
			sp.Close()
			if sp.failed {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", ErrBodyFraming, err)
		}
		if limit > 0 && n > limit {
			sp.Close()
			return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
		}
		return spooledBody(sp, n)
	}
	return nil, fmt.Errorf("unknown body framing %d", req.Framing)
}

func spooledBody(sp *spool, n int64) (*Body, error) {
	if n == 0 {
		sp.Close()
		return &Body{}, nil
	}
	r, err := sp.Reader()
	if err != nil {
		sp.Close()
		return nil, err
	}
	return &Body{r: r, n: n, spool: sp}, nil
}

// Dechunk decodes chunked transfer coding from r into w and returns the
// number of decoded bytes. net/http removes the coding itself, so the server
// hands such bodies over as FramingDecoded; Dechunk serves callers that read
// requests off a raw connection with FramingChunked. Chunk extensions and trailer fields are discarded.
// The terminating zero-length chunk and the final empty line are required.
func Dechunk(r io.Reader, w io.Writer, limit int64) (int64, error) {
	br := bufio.NewReaderSize(r, maxChunkLineLength)
	var total int64
	for {
		line, err := readChunkLine(br)
		if err != nil {
			return total, framingError("chunk size line", err)
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return total, err
		}
		if size == 0 {
			break
		}
		if limit > 0 && total+size > limit {
			return total, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
		}
		n, err := io.CopyN(w, br, size)
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return total, framingError("chunk data", io.ErrUnexpectedEOF)
			}
			return total, err
		}
		line, err = readChunkLine(br)
		if err != nil {
			return total, framingError("chunk data terminator", err)
		}
		if line != "" {
			return total, fmt.Errorf("%w: chunk data longer than declared size %d", ErrBodyFraming, size)
		}
	}

	for {
		line, err := readChunkLine(br)
		if err != nil {
			return total, framingError("trailer", err)
		}
		if line == "" {
			break
		}
		log.Tracef("discarding chunked trailer %q", line)
	}
	return total, nil
}

func parseChunkSize(line string) (int64, error) {
	field := line
	if i := strings.IndexByte(field, ';'); i >= 0 {
		field = field[:i]
	}
	field = strings.TrimRight(field, " \t")
	if field == "" {
		return 0, fmt.Errorf("%w: empty chunk size", ErrBodyFraming)
	}
	if !isHexDigit(field[0]) {
		return 0, fmt.Errorf("%w: bad chunk size %q", ErrBodyFraming, field)
	}
	size, err := strconv.ParseInt(field, 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: bad chunk size %q", ErrBodyFraming, field)
	}
	return size, nil
}

func isHexDigit(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

// readChunkLine returns one line without its CRLF (or bare LF).
func readChunkLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", errors.New("line too long")
		}
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	line = bytes.TrimSuffix(line[:len(line)-1], []byte("\r"))
	return string(line), nil
}

func framingError(where string, err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: missing terminating chunk", ErrBodyFraming, where)
	}
	return fmt.Errorf("%w: %s: %s", ErrBodyFraming, where, err)
}

// spool buffers up to max bytes in memory, then moves to a temporary file.
type spool struct {
	max    int
	mem    bytes.Buffer
	file   *os.File
	failed bool
}

func newSpool(max int) *spool {
	return &spool{max: max}
}

func (me *spool) Write(p []byte) (int, error) {
	if me.file == nil && me.mem.Len()+len(p) > me.max {
		f, err := os.CreateTemp("", "cgigate-body-")
		if err != nil {
			me.failed = true
			return 0, err
		}
		me.file = f
		if _, err := f.Write(me.mem.Bytes()); err != nil {
			me.failed = true
			return 0, err
		}
		me.mem.Reset()
		log.Debugf("request body spooled to %s", f.Name())
	}
	if me.file != nil {
		n, err := me.file.Write(p)
		if err != nil {
			me.failed = true
		}
		return n, err
	}
	return me.mem.Write(p)
}

func (me *spool) Reader() (io.Reader, error) {
	if me.file == nil {
		return bytes.NewReader(me.mem.Bytes()), nil
	}
	if _, err := me.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return me.file, nil
}

func (me *spool) Close() error {
	if me.file == nil {
		me.mem.Reset()
		return nil
	}
	name := me.file.Name()
	err := me.file.Close()
	if rerr := os.Remove(name); rerr != nil && err == nil {
		err = rerr
	}
	me.file = nil
	return err
}
