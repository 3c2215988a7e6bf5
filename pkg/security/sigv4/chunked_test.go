package sigv4

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Streaming PUT example from the S3 SigV4 documentation.
const (
	seedSignature  = "4f232c4386841ef735655705268965c44a0e4690baa4adea153f7db9fa80a0a9"
	chunk1Sig      = "ad80c730a21e5b8d04586a2213dd63b9a0e99e0e2307b0ade35a65485a288648"
	chunk2Sig      = "0055627c9e194cb4542bae2aa5492e3c1575bbb81b612b7d234b86a503ef5497"
	finalChunkSig  = "b6c6ea8a5354eaf15b3cb7646744f4275b71ea724fed81ceb9323e279d449df9"
	exampleDecoded = 66560
)

func exampleChunkContext(t *testing.T) ChunkSigningContext {
	return ChunkSigningContext{
		AmzDate:       mustAmzDate(t, exampleDate),
		Region:        "us-east-1",
		Service:       "s3",
		SecretKey:     []byte(exampleSecret),
		SeedSignature: seedSignature,
	}
}

func chunk(data []byte, sig string) string {
	return fmt.Sprintf("%x;chunk-signature=%s\r\n%s\r\n", len(data), sig, data)
}

func exampleBody(sig1, sig2, sig3 string) string {
	return chunk(bytes.Repeat([]byte{'a'}, 65536), sig1) +
		chunk(bytes.Repeat([]byte{'a'}, 1024), sig2) +
		chunk(nil, sig3)
}

func drain(t *testing.T, c *ChunkedReader) ([]int, error) {
	t.Helper()
	var sizes []int
	for {
		data, err := c.Next()
		if err != nil {
			return sizes, err
		}
		for _, b := range data {
			if b != 'a' {
				t.Fatalf("unexpected payload byte %q", b)
			}
		}
		sizes = append(sizes, len(data))
	}
}

func TestChunkedReader_PublishedExample(t *testing.T) {
	body := exampleBody(chunk1Sig, chunk2Sig, finalChunkSig)
	c := NewChunkedReader(strings.NewReader(body), exampleChunkContext(t), exampleDecoded)

	sizes, err := drain(t, c)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, []int{65536, 1024}, sizes)
	assert.EqualValues(t, exampleDecoded, c.Decoded())

	// Done is sticky and the key is gone.
	_, err = c.Next()
	assert.Equal(t, io.EOF, err)
	assert.Nil(t, c.key)
}

func TestChunkedReader_OneByteFragments(t *testing.T) {
	body := exampleBody(chunk1Sig, chunk2Sig, finalChunkSig)

	bulk, err := io.ReadAll(NewChunkedReader(strings.NewReader(body), exampleChunkContext(t), exampleDecoded))
	require.NoError(t, err)

	fragmented := NewChunkedReader(iotest.OneByteReader(strings.NewReader(body)), exampleChunkContext(t), exampleDecoded)
	got, err := io.ReadAll(fragmented)
	require.NoError(t, err)
	assert.Equal(t, bulk, got)
	assert.Len(t, got, exampleDecoded)

	// Half-reads through a small destination buffer produce the same bytes too.
	small := NewChunkedReader(iotest.HalfReader(strings.NewReader(body)), exampleChunkContext(t), exampleDecoded)
	got, err = io.ReadAll(iotest.OneByteReader(small))
	require.NoError(t, err)
	assert.Equal(t, bulk, got)
}

func TestChunkedReader_CorruptedSecondSignature(t *testing.T) {
	bad := []byte(chunk2Sig)
	bad[10] ^= 1
	body := exampleBody(chunk1Sig, string(bad), finalChunkSig)

	var observed []error
	c := NewChunkedReader(strings.NewReader(body), exampleChunkContext(t), exampleDecoded)
	c.OnChunk = func(_ int, err error) { observed = append(observed, err) }

	data, err := c.Next()
	require.NoError(t, err)
	assert.Len(t, data, 65536)

	data, err = c.Next()
	assert.ErrorIs(t, err, ErrChunkSignatureMismatch)
	assert.Nil(t, data)
	assert.True(t, IsStreamError(err))

	_, err = c.Next()
	assert.ErrorIs(t, err, ErrChunkSignatureMismatch, "failure is sticky")
	assert.Nil(t, c.key)
	assert.Equal(t, []error{nil, ErrChunkSignatureMismatch}, observed)
}

func TestChunkedReader_ReorderedChunks(t *testing.T) {
	body := chunk(bytes.Repeat([]byte{'a'}, 1024), chunk2Sig) +
		chunk(bytes.Repeat([]byte{'a'}, 65536), chunk1Sig) +
		chunk(nil, finalChunkSig)
	c := NewChunkedReader(strings.NewReader(body), exampleChunkContext(t), exampleDecoded)
	_, err := c.Next()
	assert.ErrorIs(t, err, ErrChunkSignatureMismatch)
}

func TestChunkedReader_WrongSecret(t *testing.T) {
	sc := exampleChunkContext(t)
	sc.SecretKey = []byte("not-the-secret")
	c := NewChunkedReader(strings.NewReader(exampleBody(chunk1Sig, chunk2Sig, finalChunkSig)), sc, exampleDecoded)
	_, err := c.Next()
	assert.ErrorIs(t, err, ErrChunkSignatureMismatch)
}

func TestChunkedReader_Truncated(t *testing.T) {
	body := exampleBody(chunk1Sig, chunk2Sig, finalChunkSig)
	for _, cut := range []int{0, 10, 90, 1000, 65536 + 90, len(body) - 3, len(body) - 1} {
		t.Run(fmt.Sprint(cut), func(t *testing.T) {
			c := NewChunkedReader(strings.NewReader(body[:cut]), exampleChunkContext(t), exampleDecoded)
			_, err := drain(t, c)
			assert.ErrorIs(t, err, ErrChunkIncomplete)
		})
	}
}

func TestChunkedReader_FormatErrors(t *testing.T) {
	sig := strings.Repeat("0", 64)
	tests := map[string]string{
		"no CR":             "400;chunk-signature=" + sig + "\n",
		"no signature":      "400\r\n",
		"bad size":          "zz;chunk-signature=" + sig + "\r\n",
		"negative size":     "-1;chunk-signature=" + sig + "\r\n",
		"size too long":     "00000000000000001;chunk-signature=" + sig + "\r\n",
		"short signature":   "400;chunk-signature=" + sig[:63] + "\r\n",
		"upper signature":   "400;chunk-signature=" + strings.Repeat("A", 64) + "\r\n",
		"extension":         "400;chunk-signature=" + sig + ";x=y\r\n",
		"long header":       strings.Repeat("1", 200) + "\r\n",
		"unterminated":      strings.Repeat("1", 100<<10),
		"missing data CRLF": "1;chunk-signature=" + sig + "\r\naXX",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			c := NewChunkedReader(strings.NewReader(body), exampleChunkContext(t), 1<<20)
			_, err := c.Next()
			assert.ErrorIs(t, err, ErrChunkFormat)
		})
	}
}

func TestChunkedReader_DecodedLength(t *testing.T) {
	body := exampleBody(chunk1Sig, chunk2Sig, finalChunkSig)

	// more data than declared
	c := NewChunkedReader(strings.NewReader(body), exampleChunkContext(t), 65536)
	_, err := drain(t, c)
	assert.ErrorIs(t, err, ErrChunkFormat)

	// less data than declared
	c = NewChunkedReader(strings.NewReader(body), exampleChunkContext(t), exampleDecoded+1)
	sizes, err := drain(t, c)
	assert.ErrorIs(t, err, ErrChunkIncomplete)
	assert.Equal(t, []int{65536, 1024}, sizes)
}

// A hostile size header must not cause an allocation of the announced size.
func TestChunkedReader_HugeDeclaredSize(t *testing.T) {
	body := "7fffffffffffffff;chunk-signature=" + strings.Repeat("0", 64) + "\r\nabc"
	c := NewChunkedReader(strings.NewReader(body), exampleChunkContext(t), math.MaxInt64)
	_, err := c.Next()
	assert.ErrorIs(t, err, ErrChunkIncomplete)
	assert.LessOrEqual(t, cap(c.buf), chunkGrowStep)

	sc := exampleChunkContext(t)
	sc.MaxChunkSize = 1 << 20
	c = NewChunkedReader(strings.NewReader(body), sc, math.MaxInt64)
	_, err = c.Next()
	assert.ErrorIs(t, err, ErrChunkFormat)
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestChunkedReader_Close(t *testing.T) {
	up := &closeRecorder{Reader: strings.NewReader(exampleBody(chunk1Sig, chunk2Sig, finalChunkSig))}
	c := NewChunkedReader(up, exampleChunkContext(t), exampleDecoded)
	buf := make([]byte, 10)
	_, err := c.Read(buf)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.True(t, up.closed)
	assert.Nil(t, c.key)
	_, err = c.Read(buf)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
}

func TestChunkedReader_UpstreamError(t *testing.T) {
	boom := errors.New("connection reset")
	c := NewChunkedReader(iotest.ErrReader(boom), exampleChunkContext(t), exampleDecoded)
	_, err := c.Next()
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsStreamError(err))
}
