// Package chunked decodes aws-chunked request bodies.
//
// Clients using SigV4 streaming uploads frame the payload as a sequence of
// chunks, each introduced by a header line of the form
//
//	<hex-size>;chunk-signature=<signature>\r\n
//
// followed by the chunk bytes and a trailing CRLF. A zero-length chunk
// terminates the stream, optionally followed by trailer lines and a final
// CRLF. The Reader strips the framing and yields the raw payload. Chunk
// signatures are not re-verified here; the seed signature covering the
// stream was already checked during authentication.
package chunked

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// StreamingPayload values of X-Amz-Content-Sha256 that indicate a chunked body.
const (
	StreamingPayload                = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	StreamingPayloadTrailer         = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD-TRAILER"
	StreamingUnsignedPayloadTrailer = "STREAMING-UNSIGNED-PAYLOAD-TRAILER"
)

// maxHeaderLine bounds a single chunk header or trailer line.
const maxHeaderLine = 4096

// ErrMalformedChunk is returned when the framing cannot be parsed.
var ErrMalformedChunk = errors.New("chunked: malformed chunk framing")

// IsChunked reports whether the request body uses aws-chunked framing.
func IsChunked(r *http.Request) bool {
	switch r.Header.Get("X-Amz-Content-Sha256") {
	case StreamingPayload, StreamingPayloadTrailer, StreamingUnsignedPayloadTrailer:
		return true
	}
	for _, enc := range r.Header.Values("Content-Encoding") {
		for _, part := range strings.Split(enc, ",") {
			if strings.TrimSpace(part) == "aws-chunked" {
				return true
			}
		}
	}
	return false
}

// DecodedLength returns the payload size promised by
// X-Amz-Decoded-Content-Length, or -1 when absent or unparseable.
func DecodedLength(r *http.Request) int64 {
	v := r.Header.Get("X-Amz-Decoded-Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Reader strips aws-chunked framing from an underlying stream.
type Reader struct {
	br        *bufio.Reader
	remaining int64
	started   bool
	done      bool
	err       error
}

// NewReader wraps r in a decoding Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Read implements io.Reader, returning decoded payload bytes.
func (cr *Reader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.done {
		return 0, io.EOF
	}

	for cr.remaining == 0 {
		size, err := cr.readChunkHeader()
		if err != nil {
			cr.err = err
			return 0, err
		}
		if size == 0 {
			if err := cr.consumeTrailers(); err != nil {
				cr.err = err
				return 0, err
			}
			cr.done = true
			return 0, io.EOF
		}
		cr.remaining = size
	}

	if int64(len(p)) > cr.remaining {
		p = p[:cr.remaining]
	}
	n, err := cr.br.Read(p)
	cr.remaining -= int64(n)
	if cr.remaining == 0 && err == nil {
		err = cr.consumeCRLF()
	}
	if err != nil && err != io.EOF {
		cr.err = err
	}
	if err == io.EOF && cr.remaining > 0 {
		cr.err = io.ErrUnexpectedEOF
		return n, cr.err
	}
	return n, cr.err
}

// readChunkHeader parses the next "<hex-size>[;chunk-signature=…]" line.
// The CRLF separating the previous chunk's data has already been consumed.
func (cr *Reader) readChunkHeader() (int64, error) {
	line, err := cr.readLine()
	if err != nil {
		if err == io.EOF && !cr.started {
			// An empty body decodes to an empty payload.
			return 0, errEmptyBody
		}
		return 0, err
	}
	cr.started = true

	sizeStr := line
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		sizeStr = line[:idx]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: bad size %q", ErrMalformedChunk, sizeStr)
	}
	return size, nil
}

// errEmptyBody is an internal sentinel: EOF before any chunk header.
var errEmptyBody = errors.New("chunked: empty body")

// consumeTrailers reads optional trailer lines after the terminal chunk
// until a blank line or EOF.
func (cr *Reader) consumeTrailers() error {
	for {
		line, err := cr.readLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func (cr *Reader) consumeCRLF() error {
	for _, want := range []byte{'\r', '\n'} {
		b, err := cr.br.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if b != want {
			return fmt.Errorf("%w: missing CRLF after chunk data", ErrMalformedChunk)
		}
	}
	return nil
}

// readLine reads up to CRLF (or bare LF) and returns the line without the
// terminator.
func (cr *Reader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := cr.br.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		if b == '\n' {
			line := sb.String()
			return strings.TrimSuffix(line, "\r"), nil
		}
		sb.WriteByte(b)
		if sb.Len() > maxHeaderLine {
			return "", fmt.Errorf("%w: header line too long", ErrMalformedChunk)
		}
	}
}

// Decode reads the whole framed stream and returns the decoded payload.
// An entirely empty body decodes to an empty payload.
func Decode(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(NewReader(r))
	if errors.Is(err, errEmptyBody) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
