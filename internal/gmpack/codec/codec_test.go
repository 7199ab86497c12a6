package codec

import (
	"bytes"
	"testing"
)

func TestObfuscateIsSelfInverse(t *testing.T) {
	want := []byte("the quick brown fox jumps over the lazy dog")
	got := append([]byte(nil), want...)
	Obfuscate(got)
	if bytes.Equal(got, want) {
		t.Fatal("Obfuscate did not change the buffer")
	}
	Obfuscate(got)
	if !bytes.Equal(got, want) {
		t.Fatalf("Obfuscate(Obfuscate(b)) = %q, want %q", got, want)
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("gmpack archive payload "), 256)
	compressed, ok := Compress(data, 9)
	if !ok {
		t.Fatal("Compress reported ok=false for a compressible buffer")
	}
	if len(compressed) >= len(data) {
		t.Fatalf("compressed length %d not smaller than original %d", len(compressed), len(data))
	}
	out, err := Decompress(compressed, int64(len(data)))
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("round-tripped data does not match original")
	}
}

func TestCompressRejectsIncompressible(t *testing.T) {
	// Tiny, high-entropy-ish input: deflate overhead means the result is
	// not smaller, so Compress must report ok=false rather than expand it.
	data := []byte{0x01}
	if _, ok := Compress(data, 9); ok {
		t.Fatal("Compress reported ok=true for a single byte")
	}
}

func TestCompressEmptyBuffer(t *testing.T) {
	if _, ok := Compress(nil, 9); ok {
		t.Fatal("Compress reported ok=true for an empty buffer")
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 512)
	compressed, ok := Compress(data, 9)
	if !ok {
		t.Fatal("expected compressible input")
	}
	if _, err := Decompress(compressed, int64(len(data))-1); err == nil {
		t.Fatal("expected a size mismatch error")
	}
}

func TestDecompressToEOFRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("index record bytes "), 128)
	compressed, ok := Compress(data, 9)
	if !ok {
		t.Fatal("expected compressible input")
	}
	out, err := DecompressToEOF(compressed)
	if err != nil {
		t.Fatalf("DecompressToEOF: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("round-tripped index bytes do not match original")
	}
}
