// Package codec implements the two low-level wire primitives of a gmpack
// archive: the XOR obfuscation applied to payloads and the index region,
// and the deflate compression used independently for file payloads and for
// the serialized index.
//
// Neither primitive is a security mechanism. Obfuscate is a constant-byte
// XOR mask, not a cipher; Compress/Decompress are a thin wrapper around
// klauspost/compress's deflate implementation, chosen for the same reason
// the teacher's install path considered it: it is a drop-in, faster
// replacement for compress/flate.
package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"golang.org/x/xerrors"
)

// obfuscationByte is XORed into every payload block and every byte of the
// index region when the archive's encryption flag is set. It is a fixed
// wire-format constant, not configurable.
const obfuscationByte = 0x62

// Obfuscate XORs every byte of buf with obfuscationByte in place. It is its
// own inverse: Obfuscate(Obfuscate(b)) == b.
func Obfuscate(buf []byte) {
	for i := range buf {
		buf[i] ^= obfuscationByte
	}
}

// maxStoredLen bounds the size for which compression is attempted; payloads
// longer than this are always stored raw, matching the original
// format's dataLength > 0x7FFFFFFF bypass.
const maxStoredLen = 0x7FFFFFFF

// Compress deflates buf at the given level (-1 for the implementation
// default, 0-9 otherwise). It reports ok=false when compression offers no
// benefit (result not smaller than the input) or buf is too large to
// attempt compression at all; callers must then store buf raw and record
// compressFlag=0 on the affected record or index, per the format's
// compression-fallback invariant.
func Compress(buf []byte, level int) (out []byte, ok bool) {
	if len(buf) == 0 || int64(len(buf)) > maxStoredLen {
		return nil, false
	}

	var b bytes.Buffer
	w, err := flate.NewWriter(&b, level)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(buf); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if b.Len() == 0 || b.Len() >= len(buf) {
		return nil, false
	}
	return b.Bytes(), true
}

// Decompress inflates buf and returns an error if the inflated length does
// not equal expectedLen exactly; a mismatch is treated as corruption, never
// silently tolerated.
func Decompress(buf []byte, expectedLen int64) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(buf))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, expectedLen+1))
	if err != nil {
		return nil, xerrors.Errorf("inflating payload: %w", err)
	}
	if int64(len(out)) != expectedLen {
		return nil, xerrors.Errorf("decompressed size mismatch: got %d, want %d", len(out), expectedLen)
	}
	return out, nil
}

// DecompressToEOF inflates buf to completion without a known target
// length. The index region has no stored decompressed-length field (the
// trailer carries only recordCount, indexStart and totalSize), so the
// index is the one consumer of this instead of Decompress.
func DecompressToEOF(buf []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(buf))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("inflating index: %w", err)
	}
	return out, nil
}
