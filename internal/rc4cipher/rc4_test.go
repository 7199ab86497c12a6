package rc4cipher

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestStreamKnownVector(t *testing.T) {
	// Standard RC4 test vector: key "Key", plaintext "Plaintext".
	var out bytes.Buffer
	if err := Stream(&out, bytes.NewReader([]byte("Plaintext")), []byte("Key")); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	want, err := hex.DecodeString("bbf316e8d940af0ad3")
	if err != nil {
		t.Fatalf("decoding expected vector: %v", err)
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("ciphertext = %x, want %x", out.Bytes(), want)
	}
}

func TestStreamIsSymmetric(t *testing.T) {
	plaintext := bytes.Repeat([]byte("gmpack secret payload "), 50)
	key := []byte("a passphrase")

	var ciphertext bytes.Buffer
	if err := Stream(&ciphertext, bytes.NewReader(plaintext), key); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	var decoded bytes.Buffer
	if err := Stream(&decoded, bytes.NewReader(ciphertext.Bytes()), key); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), plaintext) {
		t.Fatal("decrypted output does not match original plaintext")
	}
}

func TestStreamRejectsEmptyKey(t *testing.T) {
	var out bytes.Buffer
	if err := Stream(&out, bytes.NewReader([]byte("x")), nil); err == nil {
		t.Fatal("expected an error for an empty key")
	}
}
