// Package rc4cipher implements the byte-stream cipher used by the
// gmpack CLI's "encrypt" verb. It has nothing to do with the archive
// format's own XOR obfuscation (internal/gmpack/codec.Obfuscate): the
// two exist side by side in the original tool and stay side by side
// here, never composed.
package rc4cipher

import (
	"bufio"
	"io"

	"golang.org/x/xerrors"
)

// DefaultKey is used when the caller supplies no key, matching the
// original command-line tool's fallback.
const DefaultKey = "abcd1234"

// cipher holds RC4's 256-byte permutation state (S in the original
// source) plus the running i/j indices from the pseudo-random
// generation loop.
type cipher struct {
	s    [256]byte
	i, j int
}

// newCipher runs the key-scheduling algorithm (re_S + re_T + re_Sbox in
// the original source) over key and returns a ready-to-stream cipher.
func newCipher(key []byte) (*cipher, error) {
	if len(key) == 0 {
		return nil, xerrors.New("rc4cipher: key must not be empty")
	}
	var c cipher
	for i := range c.s {
		c.s[i] = byte(i)
	}
	j := 0
	for i := 0; i < 256; i++ {
		j = (j + int(c.s[i]) + int(key[i%len(key)])) % 256
		c.s[i], c.s[j] = c.s[j], c.s[i]
	}
	return &c, nil
}

// xorByte returns the next keystream byte XORed with b, advancing the
// generator state (the pseudo-random generation algorithm's per-byte
// step in the original's rc4 function).
func (c *cipher) xorByte(b byte) byte {
	c.i = (c.i + 1) % 256
	c.j = (c.j + int(c.s[c.i])) % 256
	c.s[c.i], c.s[c.j] = c.s[c.j], c.s[c.i]
	t := (int(c.s[c.i]) + int(c.s[c.j])) % 256
	return b ^ c.s[t]
}

// Stream XORs every byte read from r against the RC4 keystream derived
// from key and writes the result to w. RC4 is symmetric: the same call
// both encrypts and decrypts.
func Stream(w io.Writer, r io.Reader, key []byte) error {
	c, err := newCipher(key)
	if err != nil {
		return err
	}

	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)

	buf := make([]byte, 4096)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			for i := 0; i < n; i++ {
				buf[i] = c.xorByte(buf[i])
			}
			if _, werr := bw.Write(buf[:n]); werr != nil {
				return xerrors.Errorf("writing ciphertext: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return xerrors.Errorf("reading plaintext: %w", err)
		}
	}
	return bw.Flush()
}
