package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf16"

	"golang.org/x/xerrors"
)

// byteOrder is the archive's single, fixed wire byte order. The format is
// always little-endian regardless of the host's native order; there is no
// host-endian detection anywhere in this package.
var byteOrder = binary.LittleEndian

// Permission bits, 12 of them, matching the original format's
// owner/group/other/user read/write/execute bitmask.
const (
	PermOwnerRead = 1 << iota
	PermOwnerWrite
	PermOwnerExec
	PermGroupRead
	PermGroupWrite
	PermGroupExec
	PermOtherRead
	PermOtherWrite
	PermOtherExec
	PermUserRead
	PermUserWrite
	PermUserExec
)

// Record is one archive member's metadata: the in-memory, UTF-8 form of the
// on-disk record described by the format's field order.
type Record struct {
	Filename      string
	Position      int64 // payload start, relative to the archive start
	CompressedLen int64
	OriginalLen   int64
	Permissions   int32
	Tag           int32 // caller-assigned classification ("sort")
	CompressFlag  bool
	DeleteFlag    bool // tombstone
	IsSymlink     bool
	SymlinkTarget string

	// ContentHash is an xxhash64 checksum of the original (decompressed)
	// payload. It is written for every record regardless of header
	// version: the index is decoded before the header (and so before the
	// version is known), so the wire layout cannot vary by version
	// without a circular read dependency. Records built by hand (as
	// opposed to round-tripped through Load) may leave it zero, which
	// ReadDataFile treats as "unchecked" rather than a mismatch.
	ContentHash uint64
}

// nullString is the 4-byte sentinel written in place of a length prefix
// when a string field is absent.
const nullString = -1

func writeString(w io.Writer, s string) error {
	if s == "" {
		return binary.Write(w, byteOrder, int32(nullString))
	}
	units := utf16.Encode([]rune(s))
	if err := binary.Write(w, byteOrder, int32(len(units))); err != nil {
		return err
	}
	return binary.Write(w, byteOrder, units)
}

func readString(r io.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, byteOrder, &n); err != nil {
		return "", err
	}
	if n == nullString {
		return "", nil
	}
	if n < 0 {
		return "", xerrors.Errorf("negative string length %d", n)
	}
	units := make([]uint16, n)
	if err := binary.Read(r, byteOrder, units); err != nil {
		return "", err
	}
	return string(utf16.Decode(units)), nil
}

func boolToByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// EncodeRecord serializes a record in the format's fixed field order:
// filename, position, compressedLen, originalLen, permissions, tag,
// compressFlag, deleteFlag, isSymlink, symlinkTarget[, contentHash].
// withHash is always true for records read from or written to an index;
// Manager never calls this with withHash=false. It remains a parameter
// so codec's tests can exercise the legacy layout directly.
func EncodeRecord(rec Record, withHash bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, rec.Filename); err != nil {
		return nil, err
	}
	fields := []interface{}{
		rec.Position,
		rec.CompressedLen,
		rec.OriginalLen,
		rec.Permissions,
		rec.Tag,
		boolToByte(rec.CompressFlag),
		boolToByte(rec.DeleteFlag),
		boolToByte(rec.IsSymlink),
	}
	for _, f := range fields {
		if err := binary.Write(&buf, byteOrder, f); err != nil {
			return nil, err
		}
	}
	if err := writeString(&buf, rec.SymlinkTarget); err != nil {
		return nil, err
	}
	if withHash {
		if err := binary.Write(&buf, byteOrder, rec.ContentHash); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeRecord is EncodeRecord's inverse. withHash must match the value
// used to encode the stream it reads from.
func DecodeRecord(r io.Reader, withHash bool) (Record, error) {
	var rec Record
	var err error

	if rec.Filename, err = readString(r); err != nil {
		return rec, err
	}
	if err := binary.Read(r, byteOrder, &rec.Position); err != nil {
		return rec, err
	}
	if err := binary.Read(r, byteOrder, &rec.CompressedLen); err != nil {
		return rec, err
	}
	if err := binary.Read(r, byteOrder, &rec.OriginalLen); err != nil {
		return rec, err
	}
	if err := binary.Read(r, byteOrder, &rec.Permissions); err != nil {
		return rec, err
	}
	if err := binary.Read(r, byteOrder, &rec.Tag); err != nil {
		return rec, err
	}
	var compressFlag, deleteFlag, isSymlink uint8
	if err := binary.Read(r, byteOrder, &compressFlag); err != nil {
		return rec, err
	}
	if err := binary.Read(r, byteOrder, &deleteFlag); err != nil {
		return rec, err
	}
	if err := binary.Read(r, byteOrder, &isSymlink); err != nil {
		return rec, err
	}
	rec.CompressFlag = compressFlag != 0
	rec.DeleteFlag = deleteFlag != 0
	rec.IsSymlink = isSymlink != 0

	if rec.SymlinkTarget, err = readString(r); err != nil {
		return rec, err
	}
	if withHash {
		if err := binary.Read(r, byteOrder, &rec.ContentHash); err != nil {
			return rec, err
		}
	}
	return rec, nil
}
