// Package install reconstructs a directory tree from a gmpack archive,
// driving internal/gmpack.Manager's ReadDataFile and FileInfoList the
// way the original GmPackageInstaller drove its package manager:
// create the parent path, make an existing destination writable if
// needed, then write a symlink, an empty file, or real payload data
// depending on the record.
package install

import (
	"log"
	"os"
	"path/filepath"

	"github.com/gmtoolkit/gmpack/internal/gmpack"
	"github.com/gmtoolkit/gmpack/internal/gmpack/codec"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Installer extracts archive contents under a root directory.
type Installer struct {
	// Progress, if non-nil, is called once per installed record.
	Progress func(filename string, index, total int, percent int)

	errs []string
}

// New returns an Installer with the given progress callback, which may
// be nil.
func New(progress func(filename string, index, total, percent int)) *Installer {
	return &Installer{Progress: progress}
}

// Errors returns the human-readable messages the underlying Manager
// accumulated during the most recent Install call, oldest first, for
// callers that want to echo the full diagnostic trail rather than just
// the single returned error.
func (in *Installer) Errors() []string {
	return append([]string(nil), in.errs...)
}

// Install extracts every record matching filter from archivePath into
// root, creating parent directories as needed. A symlink that cannot be
// created is logged and skipped rather than treated as fatal — it may
// legitimately target a file that hasn't been installed yet in this
// same pass, mirroring the original implementation's comment at the
// createSymbolicLink call site.
func (in *Installer) Install(root, archivePath string, filter gmpack.Filter) error {
	m, err := gmpack.Open(archivePath)
	if err != nil {
		return xerrors.Errorf("loading %s: %w", archivePath, err)
	}
	defer func() { in.errs = m.Errors() }()

	records := m.FileInfoList(filter)
	if len(records) == 0 {
		return xerrors.New("install: no matching records in archive")
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", archivePath, err)
	}
	defer f.Close()

	total := len(records)
	for i, rec := range records {
		dest := filepath.Join(root, filepath.FromSlash(rec.Filename))
		if err := createParentPath(dest); err != nil {
			return err
		}
		if err := makeWritable(dest); err != nil {
			return err
		}

		switch {
		case rec.IsSymlink:
			if err := createSymlink(root, dest, rec); err != nil {
				log.Printf("install: symlink %s: %v", dest, err)
			}
		case rec.OriginalLen == 0:
			if err := createEmptyFile(dest, rec); err != nil {
				return xerrors.Errorf("creating empty file %s: %w", dest, err)
			}
		default:
			data, err := m.ReadDataFile(f, rec)
			if err != nil {
				return xerrors.Errorf("reading %s: %w", rec.Filename, err)
			}
			if err := createDataFile(dest, data, rec); err != nil {
				return xerrors.Errorf("writing %s: %w", dest, err)
			}
		}

		if in.Progress != nil {
			in.Progress(dest, i, total, (i+1)*100/total)
		}
	}
	return nil
}

// createParentPath makes dest's parent directory, failing if a
// non-directory already occupies that path.
func createParentPath(dest string) error {
	dir := filepath.Dir(dest)
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return xerrors.Errorf("%s: %w", dir, gmpack.ErrPathConflict)
		}
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Errorf("creating directory %s: %w", dir, err)
	}
	return nil
}

// makeWritable adds the owner-write bit to dest if it already exists
// and isn't writable, so a later overwrite doesn't fail outright.
// Symlinks are skipped: Linux has no way to chmod a symlink itself
// (AT_SYMLINK_NOFOLLOW is not supported by fchmodat), and following it
// would silently chmod whatever it happens to point at.
func makeWritable(dest string) error {
	info, err := os.Lstat(dest)
	if err != nil {
		return nil // doesn't exist yet, nothing to do
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	if info.Mode().Perm()&0o200 != 0 {
		return nil
	}
	if err := unix.Chmod(dest, uint32(info.Mode().Perm()|0o200)); err != nil {
		return xerrors.Errorf("%s: %w", dest, err)
	}
	return nil
}

// createSymlink recreates rec as a symlink under root, relative to
// dest's own directory — mirroring the original's
// linkDir.relativeFilePath(symLinkTarget) computation. If dest already
// exists as the correct symlink, this is a no-op; if it exists as
// something else, it is removed first.
func createSymlink(root, dest string, rec codec.Record) error {
	target := filepath.FromSlash(rec.SymlinkTarget)
	absTarget := filepath.Join(root, target)
	relTarget, err := filepath.Rel(filepath.Dir(dest), absTarget)
	if err != nil {
		return xerrors.Errorf("computing relative target: %w", err)
	}

	if existing, err := os.Readlink(dest); err == nil {
		if existing == relTarget {
			return nil
		}
		if err := os.Remove(dest); err != nil {
			return xerrors.Errorf("removing stale symlink: %w", err)
		}
	} else if _, statErr := os.Lstat(dest); statErr == nil {
		if err := os.Remove(dest); err != nil {
			return xerrors.Errorf("removing conflicting file: %w", err)
		}
	}

	return os.Symlink(relTarget, dest)
}

// createEmptyFile creates dest with no content and rec's permissions.
func createEmptyFile(dest string, rec codec.Record) error {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return applyPermissions(dest, rec.Permissions)
}

// createDataFile writes data to dest and applies rec's permissions.
func createDataFile(dest string, data []byte, rec codec.Record) error {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	n, err := f.Write(data)
	if err != nil {
		f.Close()
		return err
	}
	if n != len(data) {
		f.Close()
		return xerrors.New("install: short write")
	}
	if err := f.Close(); err != nil {
		return err
	}
	return applyPermissions(dest, rec.Permissions)
}

// applyPermissions maps the archive's owner/group/other permission bits
// back onto a POSIX file mode. The "user" bits (PermUser*) are a
// derived, effective-for-the-building-process convenience value with no
// independent meaning on disk, so they are not applied here — only
// owner/group/other round-trip through install.
func applyPermissions(dest string, bits int32) error {
	var mode os.FileMode
	if bits&codec.PermOwnerRead != 0 {
		mode |= 0o400
	}
	if bits&codec.PermOwnerWrite != 0 {
		mode |= 0o200
	}
	if bits&codec.PermOwnerExec != 0 {
		mode |= 0o100
	}
	if bits&codec.PermGroupRead != 0 {
		mode |= 0o040
	}
	if bits&codec.PermGroupWrite != 0 {
		mode |= 0o020
	}
	if bits&codec.PermGroupExec != 0 {
		mode |= 0o010
	}
	if bits&codec.PermOtherRead != 0 {
		mode |= 0o004
	}
	if bits&codec.PermOtherWrite != 0 {
		mode |= 0o002
	}
	if bits&codec.PermOtherExec != 0 {
		mode |= 0o001
	}
	return unix.Chmod(dest, uint32(mode))
}
