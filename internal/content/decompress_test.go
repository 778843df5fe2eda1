package content

import (
	"bytes"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const samplePage = "<!DOCTYPE html><html><head><title>t</title></head><body>Hello, world</body></html>"

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func zlibBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func flateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("flate writer: %v", err)
	}
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestDecompress_Codecs(t *testing.T) {
	page := []byte(samplePage)

	tests := []struct {
		name      string
		body      []byte
		encoding  string
		wantCodec string
	}{
		{"gzip", gzipBytes(t, page), "gzip", "gzip"},
		{"x-gzip", gzipBytes(t, page), "x-gzip", "gzip"},
		{"gzip uppercase", gzipBytes(t, page), "GZIP", "gzip"},
		{"deflate zlib", zlibBytes(t, page), "deflate", "deflate"},
		{"deflate raw", flateBytes(t, page), "deflate", "deflate"},
		{"brotli", brotliBytes(t, page), "br", "br"},
		{"zstd", zstdBytes(t, page), "zstd", "zstd"},
		{"first listed wins", gzipBytes(t, page), "gzip, br", "gzip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, codec, outcome := DecompressLimit(tt.body, tt.encoding, DefaultMaxOutput)
			if outcome != OutcomeDecoded {
				t.Fatalf("outcome = %s, want %s", outcome, OutcomeDecoded)
			}
			if codec != tt.wantCodec {
				t.Errorf("codec = %q, want %q", codec, tt.wantCodec)
			}
			if string(out) != samplePage {
				t.Errorf("Decompress() = %q, want original page", out)
			}
		})
	}
}

func TestDecompress_GzipRoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte(samplePage),
		[]byte("plain text with no markup at all"),
		bytes.Repeat([]byte{0x00, 0xff, 0x10}, 4096),
	}
	for _, in := range inputs {
		if got := Decompress(gzipBytes(t, in), "gzip"); !bytes.Equal(got, in) {
			t.Errorf("gzip round trip mismatch for %d byte input", len(in))
		}
	}
}

func TestDecompress_AlreadyDecoded(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"html", samplePage},
		{"leading whitespace", "\n\n   <html><body>x</body></html>"},
		{"json object", `{"ok":true}`},
		{"json array", `[1,2,3]`},
		{"comment", "<!-- comment -->"},
		{"html keyword", "doctype html but no angle bracket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, enc := range []string{"gzip", "deflate", "br", "zstd"} {
				out, _, outcome := DecompressLimit([]byte(tt.body), enc, DefaultMaxOutput)
				if string(out) != tt.body {
					t.Errorf("[%s] body changed: %q", enc, out)
				}
				if outcome != OutcomeSkipped {
					t.Errorf("[%s] outcome = %s, want %s", enc, outcome, OutcomeSkipped)
				}
			}
		})
	}
}

func TestDecompress_ErrorsReturnInput(t *testing.T) {
	garbage := []byte("\x1f\x8b\x08 this is not really gzip data")
	for _, enc := range []string{"gzip", "deflate", "zstd"} {
		out, _, outcome := DecompressLimit(garbage, enc, DefaultMaxOutput)
		if !bytes.Equal(out, garbage) {
			t.Errorf("[%s] expected input back on error, got %q", enc, out)
		}
		if outcome != OutcomeFailed {
			t.Errorf("[%s] outcome = %s, want %s", enc, outcome, OutcomeFailed)
		}
	}

	truncated := gzipBytes(t, []byte(strings.Repeat("abcdefgh", 1000)))
	truncated = truncated[:len(truncated)/2]
	if out := Decompress(truncated, "gzip"); !bytes.Equal(out, truncated) {
		t.Error("truncated gzip should return the input")
	}

	truncatedBr := brotliBytes(t, []byte(strings.Repeat("abcdefgh", 1000)))
	truncatedBr = truncatedBr[:len(truncatedBr)/2]
	if out := Decompress(truncatedBr, "br"); !bytes.Equal(out, truncatedBr) {
		t.Error("truncated brotli should return the input")
	}
}

func TestDecompress_ShortPlainTextUnchanged(t *testing.T) {
	bodies := []string{"7", ";", "\x06", "a", "ok", "hello world", "plain text body"}
	for _, enc := range []string{"gzip", "deflate", "br", "zstd"} {
		for _, body := range bodies {
			in := []byte(body)
			out, _, outcome := DecompressLimit(in, enc, DefaultMaxOutput)
			if !bytes.Equal(out, in) {
				t.Errorf("[%s] Decompress(%q) = %q, want input unchanged", enc, body, out)
			}
			if outcome == OutcomeDecoded {
				t.Errorf("[%s] Decompress(%q) outcome = %s", enc, body, outcome)
			}
		}
	}
}

func TestDecompress_RawDeflateTrailingData(t *testing.T) {
	body := append(flateBytes(t, []byte("compressed part")), []byte("trailing plain text")...)
	out, codec, outcome := DecompressLimit(body, "deflate", DefaultMaxOutput)
	if outcome != OutcomeFailed || codec != "deflate" {
		t.Errorf("outcome = %s, codec = %q; want failed deflate", outcome, codec)
	}
	if !bytes.Equal(out, body) {
		t.Error("expected input back when the stream is followed by other data")
	}
}

func TestDecompress_Identity(t *testing.T) {
	body := []byte{0x01, 0x02, 0x03}
	for _, enc := range []string{"", "identity", "compress", "unknown"} {
		out, codec, outcome := DecompressLimit(body, enc, DefaultMaxOutput)
		if !bytes.Equal(out, body) || codec != "" || outcome != OutcomeIdentity {
			t.Errorf("[%q] = %v, %q, %s; want input unchanged", enc, out, codec, outcome)
		}
	}

	if out := Decompress(nil, "gzip"); out != nil {
		t.Errorf("Decompress(nil) = %v, want nil", out)
	}
}

func TestDecompress_OutputBounded(t *testing.T) {
	bomb := gzipBytes(t, make([]byte, 1<<20))

	out, _, outcome := DecompressLimit(bomb, "gzip", 1000)
	if outcome != OutcomeDecoded {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeDecoded)
	}
	if len(out) != 1001 {
		t.Errorf("len(out) = %d, want limit+1 (1001)", len(out))
	}
}
