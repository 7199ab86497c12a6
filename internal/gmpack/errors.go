package gmpack

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Sentinel errors for the conditions documented by the format's error
// taxonomy. Callers can match them with errors.Is.
var (
	ErrTrailerCorrupt    = xerrors.New("gmpack: trailer is missing or inconsistent")
	ErrFormatTruncated   = xerrors.New("gmpack: archive is shorter than its recorded size")
	ErrDuplicateFilename = xerrors.New("gmpack: filename already present in a live record")
	ErrSizeMismatch      = xerrors.New("gmpack: decompressed size does not match the recorded length")
	ErrIndexOutOfRange   = xerrors.New("gmpack: record index out of range")
	ErrPathConflict      = xerrors.New("gmpack: a non-directory already exists at the intended directory path")
	ErrNotLoaded         = xerrors.New("gmpack: archive has no loaded records")
	ErrFileNotFound      = xerrors.New("gmpack: no live record with that filename")
)

// errList accumulates human-readable messages, mirroring the original
// implementation's error message list, returned to the caller (here, via
// Errors()) for CLI reporting rather than used for control flow. Manager
// clears it only at the start of Load; its other operations append to it.
type errList struct {
	msgs []string
}

func (e *errList) add(format string, args ...interface{}) {
	e.msgs = append(e.msgs, fmt.Sprintf(format, args...))
}

func (e *errList) clear() {
	e.msgs = nil
}

func (e *errList) list() []string {
	return append([]string(nil), e.msgs...)
}
