package build

import (
	"io"
	"os"

	"github.com/cavaliercoder/go-cpio"
	"github.com/gmtoolkit/gmpack/internal/walk"
	"golang.org/x/xerrors"
)

// WriteCPIOManifest writes a cpio archive listing every entry's name,
// mode, and size (symlinks get their target as the entry body, regular
// files their real content) to w. It is a side channel next to the
// gmpack archive itself — a reader can diff the two listings to
// cross-check a build the way distri's initrd tooling cross-checks its
// own cpio archives, but gmpack's format never depends on this file.
func WriteCPIOManifest(root string, entries []walk.Entry, w io.Writer) error {
	cw := cpio.NewWriter(w)
	for _, e := range entries {
		switch {
		case e.IsSymlink:
			target := []byte(e.LinkTarget)
			if err := cw.WriteHeader(&cpio.Header{
				Name: e.RelPath,
				Mode: cpio.ModeSymlink | cpio.FileMode(e.Mode.Perm()),
				Size: int64(len(target)),
			}); err != nil {
				return xerrors.Errorf("cpio header for %s: %w", e.RelPath, err)
			}
			if _, err := cw.Write(target); err != nil {
				return xerrors.Errorf("cpio body for %s: %w", e.RelPath, err)
			}
		default:
			data, err := os.ReadFile(e.AbsPath)
			if err != nil {
				return xerrors.Errorf("reading %s: %w", e.RelPath, err)
			}
			if err := cw.WriteHeader(&cpio.Header{
				Name: e.RelPath,
				Mode: cpio.FileMode(e.Mode.Perm()),
				Size: int64(len(data)),
			}); err != nil {
				return xerrors.Errorf("cpio header for %s: %w", e.RelPath, err)
			}
			if _, err := cw.Write(data); err != nil {
				return xerrors.Errorf("cpio body for %s: %w", e.RelPath, err)
			}
		}
	}
	return cw.Close()
}
