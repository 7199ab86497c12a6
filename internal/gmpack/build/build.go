// Package build drives internal/gmpack.Manager and internal/walk to turn
// a source directory into a gmpack archive, or extend an existing one.
// It owns the walk-and-compress pipeline; Manager owns the on-disk
// format.
package build

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/gmtoolkit/gmpack/internal/gmpack"
	"github.com/gmtoolkit/gmpack/internal/gmpack/codec"
	"github.com/gmtoolkit/gmpack/internal/walk"
	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Options configures one Build or Append call. Compress and
// CompressionLevel are pointers so that Append can distinguish "flag
// not given" (nil, leave the archive's existing setting alone) from an
// explicit value — including an explicit false or an explicit 0, the
// "store, don't compress" level, both of which are indistinguishable
// from the zero value if these fields were plain bool/int.
type Options struct {
	Compress         *bool
	CompressionLevel *int
	Tag              int32
	// Progress, if non-nil, is called once per file in caller order
	// (never out of order, even though files are read in parallel)
	// with a zero-based index, the file count and percent-complete.
	Progress func(filename string, index, total int, percent int)
	// CPIOManifestPath, if non-empty, makes Build also write a cpio
	// archive of the same file tree to this path. Append never writes
	// one, since a manifest describes a whole tree, not an increment.
	CPIOManifestPath string
}

// Builder assembles archives from walked source trees.
type Builder struct {
	opts Options
	errs []string
}

// New returns a Builder configured with opts.
func New(opts Options) *Builder {
	return &Builder{opts: opts}
}

// Errors returns the human-readable messages the underlying Manager
// accumulated during the most recent Build or Append call, oldest
// first, for callers that want to echo the full diagnostic trail
// rather than just the single returned error.
func (b *Builder) Errors() []string {
	return append([]string(nil), b.errs...)
}

type compressedFile struct {
	rec  codec.Record
	data []byte
}

// Build walks root and writes a brand-new archive at archivePath,
// implementing the build protocol: write header, write each file's data
// block and record in root-relative path order, write the index and
// trailer. Symlinks whose target resolves outside root are demoted to
// empty-file records instead of symlink records, matching the original
// implementation's escape check.
func (b *Builder) Build(root, archivePath string) error {
	entries, err := walk.Tree(root)
	if err != nil {
		return xerrors.Errorf("walking %s: %w", root, err)
	}
	if len(entries) == 0 {
		return xerrors.Errorf("build: %s contains no files", root)
	}

	compressed, err := b.compressAll(root, entries)
	if err != nil {
		return err
	}

	// A fresh build replaces archivePath wholesale, so it writes through a
	// temp file in the same directory and renames over the destination
	// only once every record and the trailer are down — a reader never
	// observes a half-written archive at archivePath. Append, below,
	// necessarily modifies an existing file in place and can't use this.
	f, err := renameio.TempFile("", archivePath)
	if err != nil {
		return xerrors.Errorf("creating %s: %w", archivePath, err)
	}
	defer f.Cleanup()

	m := gmpack.New(archivePath)
	defer func() { b.errs = m.Errors() }()
	if b.opts.Compress != nil {
		m.BodyCompressFlag = *b.opts.Compress
	} else {
		m.BodyCompressFlag = true
	}
	if b.opts.CompressionLevel != nil {
		m.CompressionLevel = *b.opts.CompressionLevel
	} else {
		m.CompressionLevel = -1
	}
	if err := m.WriteHeader(f.File); err != nil {
		return xerrors.Errorf("writing header: %w", err)
	}

	if err := writeAll(m, f.File, compressed); err != nil {
		return err
	}
	if err := m.SaveFileInfo(f.File); err != nil {
		return xerrors.Errorf("saving index: %w", err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return err
	}

	if b.opts.CPIOManifestPath != "" {
		mf, err := renameio.TempFile("", b.opts.CPIOManifestPath)
		if err != nil {
			return xerrors.Errorf("creating cpio manifest %s: %w", b.opts.CPIOManifestPath, err)
		}
		defer mf.Cleanup()
		if err := WriteCPIOManifest(root, entries, mf); err != nil {
			return xerrors.Errorf("writing cpio manifest: %w", err)
		}
		if err := mf.CloseAtomicallyReplace(); err != nil {
			return err
		}
	}
	return nil
}

// Append opens an existing archive at archivePath and adds every file
// under root to it, in the same symlink-escape-demotion and ordering
// rules as Build.
func (b *Builder) Append(root, archivePath string) error {
	entries, err := walk.Tree(root)
	if err != nil {
		return xerrors.Errorf("walking %s: %w", root, err)
	}
	if len(entries) == 0 {
		return xerrors.Errorf("append: %s contains no files", root)
	}

	m, err := gmpack.Open(archivePath)
	if err != nil {
		return xerrors.Errorf("loading %s: %w", archivePath, err)
	}
	defer func() { b.errs = m.Errors() }()
	// Both fields are nil unless the caller explicitly set them — an
	// unset field leaves the archive's existing setting alone, so an
	// explicit -compress=false or -level 0 actually takes effect instead
	// of being indistinguishable from "flag not given".
	if b.opts.Compress != nil {
		m.BodyCompressFlag = *b.opts.Compress
	}
	if b.opts.CompressionLevel != nil {
		m.CompressionLevel = *b.opts.CompressionLevel
	}

	compressed, err := b.compressAll(root, entries)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(archivePath, os.O_RDWR, 0)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", archivePath, err)
	}
	defer f.Close()

	writePos, err := m.AppendWritePosition()
	if err != nil {
		return err
	}
	if _, err := f.Seek(writePos, 0); err != nil {
		return xerrors.Errorf("seeking to append position: %w", err)
	}

	if err := writeAll(m, f, compressed); err != nil {
		return err
	}
	if err := m.SaveFileInfo(f); err != nil {
		return xerrors.Errorf("saving index: %w", err)
	}
	return nil
}

// writeAll calls WriteDataFile/AppendFileInfo for every already-read
// file, in order, reporting progress as it goes.
func writeAll(m *gmpack.Manager, f *os.File, files []compressedFile) error {
	for _, cf := range files {
		rec := cf.rec
		if len(cf.data) > 0 {
			if err := m.WriteDataFile(f, &rec, cf.data); err != nil {
				return xerrors.Errorf("writing %s: %w", rec.Filename, err)
			}
		}
		if err := m.AppendFileInfo(rec); err != nil {
			return xerrors.Errorf("appending %s: %w", rec.Filename, err)
		}
	}
	return nil
}

// compressAll reads every entry's file content concurrently, bounded by
// runtime.NumCPU(), and returns records in the same order as entries.
// It does not compress: compression, hashing and the archive write
// happen later, one file at a time, in Manager.WriteDataFile. Symlink
// escape detection happens here, before any data leaves this function.
func (b *Builder) compressAll(root string, entries []walk.Entry) ([]compressedFile, error) {
	out := make([]compressedFile, len(entries))

	var eg errgroup.Group
	eg.SetLimit(runtime.NumCPU())
	for i, e := range entries {
		i, e := i, e
		eg.Go(func() error {
			cf, err := b.prepareOne(root, e)
			if err != nil {
				return xerrors.Errorf("%s: %w", e.RelPath, err)
			}
			out[i] = cf
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	total := len(entries)
	for i, e := range entries {
		if b.opts.Progress != nil {
			percent := (i + 1) * 100 / total
			b.opts.Progress(e.RelPath, i, total, percent)
		}
	}
	return out, nil
}

func (b *Builder) prepareOne(root string, e walk.Entry) (compressedFile, error) {
	rec := codec.Record{
		Filename:    filepath.ToSlash(e.RelPath),
		Permissions: permissionBits(e.AbsPath, e.Mode),
		Tag:         b.opts.Tag,
	}

	if e.IsSymlink {
		if rel, ok := walk.RelativizeSymlinkTarget(root, filepath.Dir(e.AbsPath), e.LinkTarget); ok {
			rec.IsSymlink = true
			rec.SymlinkTarget = rel
			return compressedFile{rec: rec}, nil
		}
		// Target escapes root: demoted to an empty-file record, matching
		// the original implementation's fallthrough when the symlink
		// target doesn't start with the start directory's path.
		return compressedFile{rec: rec}, nil
	}

	data, err := os.ReadFile(e.AbsPath)
	if err != nil {
		return compressedFile{}, xerrors.Errorf("reading: %w", err)
	}
	return compressedFile{rec: rec, data: data}, nil
}

// permissionBits maps a file's owner/group/other mode bits onto the
// archive's 12-bit permission field, plus a fourth "user" group of bits
// reporting what the *current* process can actually do with the file —
// the same Owner/Group/Other/User split the original format inherited
// from Qt's QFile::permissions(), where User is derived from whichever
// of owner/group/other applies to the running process's uid/gid rather
// than duplicating the owner bits.
func permissionBits(path string, mode os.FileMode) int32 {
	perm := mode.Perm()
	var bits int32
	if perm&0o400 != 0 {
		bits |= codec.PermOwnerRead
	}
	if perm&0o200 != 0 {
		bits |= codec.PermOwnerWrite
	}
	if perm&0o100 != 0 {
		bits |= codec.PermOwnerExec
	}
	if perm&0o040 != 0 {
		bits |= codec.PermGroupRead
	}
	if perm&0o020 != 0 {
		bits |= codec.PermGroupWrite
	}
	if perm&0o010 != 0 {
		bits |= codec.PermGroupExec
	}
	if perm&0o004 != 0 {
		bits |= codec.PermOtherRead
	}
	if perm&0o002 != 0 {
		bits |= codec.PermOtherWrite
	}
	if perm&0o001 != 0 {
		bits |= codec.PermOtherExec
	}

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err == nil {
		bits |= effectiveUserBits(perm, st.Uid, st.Gid)
	}
	return bits
}

// effectiveUserBits picks owner, group, or other mode bits depending on
// whether the running process's uid/gid matches the file's, translating
// the result onto PermUserRead/Write/Exec.
func effectiveUserBits(perm os.FileMode, uid, gid uint32) int32 {
	var applicable os.FileMode
	switch {
	case uint32(os.Getuid()) == uid:
		applicable = (perm >> 6) & 0o7
	case uint32(os.Getgid()) == gid:
		applicable = (perm >> 3) & 0o7
	default:
		applicable = perm & 0o7
	}

	var bits int32
	if applicable&0o4 != 0 {
		bits |= codec.PermUserRead
	}
	if applicable&0o2 != 0 {
		bits |= codec.PermUserWrite
	}
	if applicable&0o1 != 0 {
		bits |= codec.PermUserExec
	}
	return bits
}
