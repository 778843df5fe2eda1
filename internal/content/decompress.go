// Package content recovers a readable body from an upstream response:
// Content-Encoding reversal, character set detection and decoding, and
// MIME sniffing for untyped sub-resources.
package content

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// DefaultMaxOutput bounds decoder output when no explicit limit is given.
const DefaultMaxOutput int64 = 50 << 20

// sniffWindow is how many leading bytes are inspected to decide whether a
// body is already decoded.
const sniffWindow = 100

// Outcome describes what Decompress did with a body.
type Outcome string

// Decompression outcomes.
const (
	OutcomeIdentity Outcome = "identity" // no or unsupported Content-Encoding
	OutcomeSkipped  Outcome = "skipped"  // body already looks like text
	OutcomeDecoded  Outcome = "decoded"
	OutcomeFailed   Outcome = "failed" // decoder error, input returned
)

// Decompress reverses contentEncoding on body. It never fails: any decoder
// error returns body unchanged.
func Decompress(body []byte, contentEncoding string) []byte {
	out, _, _ := DecompressLimit(body, contentEncoding, DefaultMaxOutput)
	return out
}

// DecompressLimit is Decompress with an explicit output bound. At most
// limit+1 bytes are produced so that a decompression bomb shows up as an
// oversize body to the caller instead of exhausting memory. A limit <= 0
// disables the bound. The codec that was attempted is returned alongside
// the outcome.
//
// Bodies whose first bytes already look like markup or JSON are returned as
// is, because some upstreams and intermediaries decode the body but leave
// the Content-Encoding header in place.
func DecompressLimit(body []byte, contentEncoding string, limit int64) ([]byte, string, Outcome) {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	if enc == "" || len(body) == 0 {
		return body, "", OutcomeIdentity
	}

	if looksDecoded(body) {
		log.Debug().
			Str("encoding", enc).
			Msg("Body already decoded, skipping decompression")
		return body, "", OutcomeSkipped
	}

	codec := selectCodec(enc)
	if codec == "" {
		return body, "", OutcomeIdentity
	}

	out, err := decode(codec, body, limit)
	if err != nil {
		log.Debug().
			Err(err).
			Str("encoding", codec).
			Int("bytes", len(body)).
			Msg("Decompression failed, using body as received")
		return body, codec, OutcomeFailed
	}

	log.Debug().
		Str("encoding", codec).
		Int("in", len(body)).
		Int("out", len(out)).
		Msg("Decompressed response body")
	return out, codec, OutcomeDecoded
}

// selectCodec picks the first supported codec named anywhere in the header
// value, in gzip, deflate, br, zstd order.
func selectCodec(enc string) string {
	for _, codec := range []string{"gzip", "deflate", "br", "zstd"} {
		if strings.Contains(enc, codec) {
			return codec
		}
	}
	return ""
}

func looksDecoded(body []byte) bool {
	sample := body
	if len(sample) > sniffWindow {
		sample = sample[:sniffWindow]
	}
	sample = bytes.TrimSpace(sample)
	if len(sample) == 0 {
		return false
	}

	switch sample[0] {
	case '<', '{', '[':
		return true
	}
	return bytes.Contains(bytes.ToLower(sample), []byte("html"))
}

func decode(codec string, body []byte, limit int64) ([]byte, error) {
	switch codec {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return readAllLimit(zr, limit)

	case "deflate":
		// Servers disagree on whether "deflate" means zlib-wrapped or raw.
		out, err := decodeZlib(body, limit)
		if err == nil {
			return out, nil
		}
		src := bytes.NewReader(body)
		fr := flate.NewReader(src)
		defer fr.Close()
		return readUnframed(src, fr, limit)

	case "br":
		src := bytes.NewReader(body)
		return readUnframed(src, brotli.NewReader(src), limit)

	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body),
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderLowmem(true),
		)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return readAllLimit(zr, limit)
	}

	return nil, errors.New("unsupported encoding: " + codec)
}

func decodeZlib(body []byte, limit int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readAllLimit(zr, limit)
}

var (
	errEmptyStream  = errors.New("stream decoded to nothing")
	errTrailingData = errors.New("trailing data after stream")
)

// readUnframed reads a raw deflate or brotli stream. Neither format has a
// magic number or checksum, so a few bytes of plain text can parse as a
// complete empty stream. An empty result or unread input counts as a
// failed decode. Input left unread because the output bound was hit is
// not an error.
func readUnframed(src *bytes.Reader, dec io.Reader, limit int64) ([]byte, error) {
	out, err := readAllLimit(dec, limit)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errEmptyStream
	}
	if src.Len() > 0 && (limit <= 0 || int64(len(out)) <= limit) {
		return nil, errTrailingData
	}
	return out, nil
}

// readAllLimit reads up to limit+1 bytes from r.
func readAllLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	return io.ReadAll(r)
}
