package sigv4

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
)

const (
	chunkSigPrefix = ";chunk-signature="
	// hex size (at most 16 digits) + prefix + signature + CRLF
	maxChunkMetaLen = 16 + len(chunkSigPrefix) + signatureLen + 2
	chunkGrowStep   = 64 << 10
	chunkReadBuffer = 64 << 10
)

// ChunkSigningContext seeds the signature chain of an aws-chunked body.
type ChunkSigningContext struct {
	AmzDate AmzDate
	Region  string
	Service string
	// SecretKey is only read by NewChunkedReader; the caller keeps ownership.
	SecretKey []byte
	// SeedSignature is the signature of the request that carried the body.
	SeedSignature string
	// MaxChunkSize bounds a single chunk's payload. Zero means no bound.
	MaxChunkSize int64
}

type chunkState uint8

const (
	stateReadingMeta chunkState = iota
	stateReadingData
	stateDone
	stateFailed
)

// ChunkedReader decodes an aws-chunked body and verifies every chunk before
// releasing its bytes. It is not safe for concurrent use.
type ChunkedReader struct {
	r      *bufio.Reader
	closer io.Closer

	state chunkState
	err   error

	key   []byte
	date  AmzDate
	scope string
	prev  string

	maxChunk int64
	declared int64
	decoded  int64

	buf     []byte
	pending []byte

	// OnChunk, if set, is called once per verified chunk and once on failure.
	OnChunk func(size int, err error)
}

// NewChunkedReader wraps upstream. decodedLength is the value of
// x-amz-decoded-content-length; the verified payload must add up to exactly
// that many bytes. The signing key is derived once here.
func NewChunkedReader(upstream io.Reader, sc ChunkSigningContext, decodedLength int64) *ChunkedReader {
	c := &ChunkedReader{
		r:        bufio.NewReaderSize(upstream, chunkReadBuffer),
		date:     sc.AmzDate,
		scope:    Scope(sc.AmzDate.Date(), sc.Region, sc.Service),
		prev:     sc.SeedSignature,
		maxChunk: sc.MaxChunkSize,
		declared: decodedLength,
		key:      SigningKey(sc.SecretKey, sc.AmzDate.Date(), sc.Region, sc.Service),
	}
	if cl, ok := upstream.(io.Closer); ok {
		c.closer = cl
	}
	return c
}

// Next returns the payload of the next verified chunk. The slice is only
// valid until the following call. After the terminating zero-size chunk has
// been verified Next returns io.EOF; any other error is sticky.
func (c *ChunkedReader) Next() ([]byte, error) {
	switch c.state {
	case stateDone:
		return nil, io.EOF
	case stateFailed:
		return nil, c.err
	}

	size, sig, err := c.readMeta()
	if err != nil {
		return nil, c.fail(err)
	}
	c.state = stateReadingData
	data, err := c.readData(size)
	if err != nil {
		return nil, c.fail(err)
	}

	sum := sha256.Sum256(data)
	sts := ChunkStringToSign(c.date, c.scope, c.prev, hex.EncodeToString(sum[:]))
	if !SignatureEqual(Signature(c.key, sts), sig) {
		return nil, c.fail(ErrChunkSignatureMismatch)
	}
	c.prev = sig
	c.decoded += size
	if c.OnChunk != nil {
		c.OnChunk(int(size), nil)
	}

	if size == 0 {
		if c.decoded != c.declared {
			return nil, c.fail(fmt.Errorf("%w: got %d of %d decoded bytes", ErrChunkIncomplete, c.decoded, c.declared))
		}
		c.state = stateDone
		c.wipe()
		return nil, io.EOF
	}
	c.state = stateReadingMeta
	return data, nil
}

func (c *ChunkedReader) readMeta() (int64, string, error) {
	line, err := c.r.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return 0, "", fmt.Errorf("%w: chunk header too long", ErrChunkFormat)
	case err != nil:
		if len(line) > maxChunkMetaLen {
			return 0, "", fmt.Errorf("%w: chunk header too long", ErrChunkFormat)
		}
		return 0, "", upstreamErr(err)
	case len(line) > maxChunkMetaLen:
		return 0, "", fmt.Errorf("%w: chunk header too long", ErrChunkFormat)
	}

	size, sig, err := parseChunkMeta(line)
	if err != nil {
		return 0, "", err
	}
	if c.maxChunk > 0 && size > c.maxChunk {
		return 0, "", fmt.Errorf("%w: chunk of %d bytes exceeds limit", ErrChunkFormat, size)
	}
	if size > c.declared-c.decoded {
		return 0, "", fmt.Errorf("%w: chunks exceed decoded content length %d", ErrChunkFormat, c.declared)
	}
	return size, sig, nil
}

// parseChunkMeta parses "<hex-size>;chunk-signature=<64 hex>\r\n".
func parseChunkMeta(line []byte) (int64, string, error) {
	n := len(line)
	if n < 2 || line[n-2] != '\r' {
		return 0, "", fmt.Errorf("%w: chunk header not terminated by CRLF", ErrChunkFormat)
	}
	line = line[:n-2]

	i := 0
	for i < len(line) && isHexDigit(line[i]) {
		i++
	}
	if i == 0 || i > 16 {
		return 0, "", fmt.Errorf("%w: invalid chunk size", ErrChunkFormat)
	}
	size, err := strconv.ParseInt(string(line[:i]), 16, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: invalid chunk size", ErrChunkFormat)
	}

	rest := line[i:]
	if len(rest) != len(chunkSigPrefix)+signatureLen || string(rest[:len(chunkSigPrefix)]) != chunkSigPrefix {
		return 0, "", fmt.Errorf("%w: missing chunk-signature", ErrChunkFormat)
	}
	sig := string(rest[len(chunkSigPrefix):])
	if !isSignatureHex(sig) {
		return 0, "", fmt.Errorf("%w: invalid chunk-signature", ErrChunkFormat)
	}
	return size, sig, nil
}

// readData reads size bytes plus the trailing CRLF. The buffer grows with
// the bytes actually received, never with the announced size.
func (c *ChunkedReader) readData(size int64) ([]byte, error) {
	c.buf = c.buf[:0]
	for remaining := size; remaining > 0; {
		step := int(min(remaining, chunkGrowStep))
		c.buf = slices.Grow(c.buf, step)
		off := len(c.buf)
		got, err := io.ReadFull(c.r, c.buf[off:off+step])
		c.buf = c.buf[:off+got]
		if err != nil {
			return nil, upstreamErr(err)
		}
		remaining -= int64(got)
	}

	var crlf [2]byte
	if _, err := io.ReadFull(c.r, crlf[:]); err != nil {
		return nil, upstreamErr(err)
	}
	if crlf != [2]byte{'\r', '\n'} {
		return nil, fmt.Errorf("%w: chunk data not followed by CRLF", ErrChunkFormat)
	}
	return c.buf, nil
}

// Read implements io.Reader over the verified payload.
func (c *ChunkedReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(c.pending) == 0 {
		data, err := c.Next()
		if err != nil {
			return 0, err
		}
		c.pending = data
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Close wipes the signing key and closes upstream if it is an io.Closer.
func (c *ChunkedReader) Close() error {
	c.wipe()
	c.pending = nil
	if c.state != stateDone && c.state != stateFailed {
		c.state = stateFailed
		c.err = errors.New("sigv4: read on closed aws-chunked body")
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Decoded returns the number of verified payload bytes so far.
func (c *ChunkedReader) Decoded() int64 { return c.decoded }

func (c *ChunkedReader) fail(err error) error {
	c.state = stateFailed
	c.err = err
	c.pending = nil
	c.wipe()
	if c.OnChunk != nil {
		c.OnChunk(0, err)
	}
	return err
}

func (c *ChunkedReader) wipe() {
	Zero(c.key)
	c.key = nil
}

func upstreamErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: unexpected end of body", ErrChunkIncomplete)
	}
	return err
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
