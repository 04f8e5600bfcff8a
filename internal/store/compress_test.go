package store

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("channel history is mostly text ", 100))

	for _, tag := range []CompressionTag{CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			compressed, err := Compress(data, tag)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if len(compressed) >= len(data) {
				t.Fatalf("compression did not shrink: %d >= %d", len(compressed), len(data))
			}
			out, err := Decompress(compressed, tag, len(data))
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(out, data) {
				t.Fatal("round trip mismatch")
			}
		})
	}
}

func TestCompressIncompressible(t *testing.T) {
	data := make([]byte, 4096)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	for _, tag := range []CompressionTag{CompressionLZ4, CompressionZstd} {
		if _, err := Compress(data, tag); !IsIncompressible(err) {
			t.Fatalf("%s: expected incompressible error, got %v", tag, err)
		}
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	data := []byte(strings.Repeat("abc", 200))
	compressed, err := Compress(data, CompressionZstd)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if _, err := Decompress(compressed, CompressionZstd, len(data)-1); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestSelectCompression(t *testing.T) {
	text := []byte(strings.Repeat("highly repetitive channel chatter ", 100))
	if tag := SelectCompression(text); tag == CompressionNone {
		t.Fatal("repetitive text should select a compressor")
	}

	random := make([]byte, 4096)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if tag := SelectCompression(random); tag != CompressionNone {
		t.Fatalf("random data selected %s", tag)
	}

	if tag := SelectCompression([]byte("short")); tag != CompressionNone {
		t.Fatal("short values should never be compressed")
	}
}

func TestParseCompressionTag(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		tag, err := ParseCompressionTag(name)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		if tag.String() != name {
			t.Fatalf("round trip: %q != %q", tag.String(), name)
		}
	}
	if _, err := ParseCompressionTag("auto"); err == nil {
		t.Fatal("auto is a config mode, not a tag")
	}
}
