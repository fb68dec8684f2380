package gateway

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"testing/iotest"
)

func TestDechunk(t *testing.T) {
	var out bytes.Buffer
	n, err := Dechunk(strings.NewReader(chunked(threeChunks...)), &out, 0)
	if err != nil {
		t.Fatalf("Dechunk: %v", err)
	}
	if n != 80 {
		t.Errorf("decoded %d bytes, want 80", n)
	}
	if out.String() != strings.Join(threeChunks, "") {
		t.Errorf("decoded %q", out.String())
	}
}

func TestDechunkExtensionsAndTrailers(t *testing.T) {
	wire := "5;name=value\r\nhello\r\n1\n!\n0\r\nX-Checksum: abc\r\n\r\n"
	var out bytes.Buffer
	n, err := Dechunk(strings.NewReader(wire), &out, 0)
	if err != nil {
		t.Fatalf("Dechunk: %v", err)
	}
	if n != 6 || out.String() != "hello!" {
		t.Errorf("got %d %q", n, out.String())
	}
}

func TestDechunkFramingErrors(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{"bad size", "zz\r\nhello\r\n0\r\n\r\n"},
		{"empty size", "\r\nhello\r\n0\r\n\r\n"},
		{"negative size", "-5\r\nhello\r\n0\r\n\r\n"},
		{"signed size", "+a\r\nhello worl\r\n0\r\n\r\n"},
		{"space before size", " 5\r\nhello\r\n0\r\n\r\n"},
		{"missing last chunk", "5\r\nhello\r\n"},
		{"truncated data", "a\r\nhello"},
		{"data longer than size", "3\r\nhello\r\n0\r\n\r\n"},
		{"missing final line", "5\r\nhello\r\n0\r\n"},
		{"empty stream", ""},
		{"size line too long", strings.Repeat("0", maxChunkLineLength+10) + "\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Dechunk(strings.NewReader(tt.wire), io.Discard, 0)
			if !errors.Is(err, ErrBodyFraming) {
				t.Errorf("got %v, want ErrBodyFraming", err)
			}
		})
	}
}

func TestDechunkLimit(t *testing.T) {
	_, err := Dechunk(strings.NewReader(chunked(threeChunks...)), io.Discard, 40)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("got %v, want ErrBodyTooLarge", err)
	}
}

func TestPrepareBodyNone(t *testing.T) {
	for _, req := range []*Request{
		{Framing: FramingNone},
		{Framing: FramingLength, ContentLength: 0, Body: strings.NewReader("")},
		{Framing: FramingChunked, Body: strings.NewReader("0\r\n\r\n")},
	} {
		b, err := PrepareBody(req, 0, 0)
		if err != nil {
			t.Fatalf("%s: %v", req.Framing, err)
		}
		if b.Len() != 0 || b.Reader() != nil {
			t.Errorf("%s: got len %d reader %v", req.Framing, b.Len(), b.Reader())
		}
		b.Close()
	}
}

func TestPrepareBodyFixedLength(t *testing.T) {
	req := &Request{Framing: FramingLength, ContentLength: 5, Body: strings.NewReader("helloEXTRA")}
	b, err := PrepareBody(req, 0, 0)
	if err != nil {
		t.Fatalf("PrepareBody: %v", err)
	}
	defer b.Close()
	data, _ := io.ReadAll(b.Reader())
	if b.Len() != 5 || string(data) != "hello" {
		t.Errorf("got %d %q", b.Len(), data)
	}
}

func TestPrepareBodyFixedLengthTooLarge(t *testing.T) {
	req := &Request{Framing: FramingLength, ContentLength: 500, Body: strings.NewReader("x")}
	_, err := PrepareBody(req, 100, 0)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("got %v, want ErrBodyTooLarge", err)
	}
}

func TestPrepareBodyChunkedSpillsToFile(t *testing.T) {
	req := &Request{Framing: FramingChunked, Body: strings.NewReader(chunked(threeChunks...))}
	b, err := PrepareBody(req, 0, 16)
	if err != nil {
		t.Fatalf("PrepareBody: %v", err)
	}
	if b.spool == nil || b.spool.file == nil {
		t.Fatalf("expected body spooled to a file")
	}
	name := b.spool.file.Name()

	data, _ := io.ReadAll(b.Reader())
	if b.Len() != 80 || string(data) != strings.Join(threeChunks, "") {
		t.Errorf("got %d %q", b.Len(), data)
	}

	if err := b.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Errorf("spool file %s still exists", name)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestBodyReadAfterClose(t *testing.T) {
	req := &Request{Framing: FramingLength, ContentLength: 10, Body: strings.NewReader("0123456789")}
	b, err := PrepareBody(req, 0, 0)
	if err != nil {
		t.Fatalf("PrepareBody: %v", err)
	}
	r := b.Reader()
	buf := make([]byte, 4)
	if n, err := r.Read(buf); err != nil || n != 4 {
		t.Fatalf("Read: %d %v", n, err)
	}
	b.Close()
	if _, err := r.Read(buf); !errors.Is(err, ErrBodyClosed) {
		t.Errorf("read after Close: %v, want ErrBodyClosed", err)
	}
}

func TestPrepareBodyChunkedMalformed(t *testing.T) {
	req := &Request{Framing: FramingChunked, Body: strings.NewReader("5\r\nhello\r\n")}
	_, err := PrepareBody(req, 0, 0)
	if !errors.Is(err, ErrBodyFraming) {
		t.Errorf("got %v, want ErrBodyFraming", err)
	}
}

func TestPrepareBodyDecoded(t *testing.T) {
	req := &Request{Framing: FramingDecoded, Body: strings.NewReader(strings.Join(threeChunks, ""))}
	b, err := PrepareBody(req, 0, 0)
	if err != nil {
		t.Fatalf("PrepareBody: %v", err)
	}
	defer b.Close()
	if b.Len() != 80 {
		t.Errorf("Len = %d, want 80", b.Len())
	}
}

func TestPrepareBodyDecodedErrors(t *testing.T) {
	broken := io.MultiReader(strings.NewReader("abc"), iotest.ErrReader(errors.New("malformed chunked encoding")))
	_, err := PrepareBody(&Request{Framing: FramingDecoded, Body: broken}, 0, 0)
	if !errors.Is(err, ErrBodyFraming) {
		t.Errorf("got %v, want ErrBodyFraming", err)
	}

	big := strings.NewReader(strings.Repeat("x", 101))
	_, err = PrepareBody(&Request{Framing: FramingDecoded, Body: big}, 100, 0)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("got %v, want ErrBodyTooLarge", err)
	}
}
