// Package walk enumerates a directory tree the way Builder needs it:
// file paths relative to a start directory, with symlinks classified
// separately from regular files so the caller can decide whether a
// symlink's target survives relocation into the archive.
package walk

import (
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"
)

// Entry is one walked member: a regular file or a symlink, never a
// directory (directories are implied by the paths of the files inside
// them, matching the format's own data model).
type Entry struct {
	// RelPath is the entry's path relative to the walk's start directory,
	// using forward slashes regardless of host OS.
	RelPath string
	// AbsPath is the entry's absolute path on disk.
	AbsPath string
	IsSymlink bool
	// LinkTarget is the raw target of a symlink entry, unresolved.
	LinkTarget string
	Mode os.FileMode
}

// Tree walks startDir and returns every regular file and symlink found,
// sorted by RelPath for deterministic archive ordering. It mirrors the
// original implementation's getFileList/removeStartDirNameFromFilePath
// pair: recurse into directories, collect files and symlinks separately,
// then strip the start directory prefix from every collected path.
func Tree(startDir string) ([]Entry, error) {
	if startDir == "" {
		return nil, xerrors.New("walk: start directory is empty")
	}
	absStart, err := filepath.Abs(startDir)
	if err != nil {
		return nil, xerrors.Errorf("resolving start directory: %w", err)
	}

	var entries []Entry
	err = filepath.Walk(absStart, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return xerrors.Errorf("walking %s: %w", path, err)
		}
		if path == absStart {
			return nil
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(absStart, path)
		if err != nil {
			return xerrors.Errorf("relativizing %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return xerrors.Errorf("reading symlink %s: %w", path, err)
			}
			entries = append(entries, Entry{
				RelPath:    rel,
				AbsPath:    path,
				IsSymlink:  true,
				LinkTarget: target,
				Mode:       info.Mode(),
			})
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		entries = append(entries, Entry{
			RelPath: rel,
			AbsPath: path,
			Mode:    info.Mode(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, nil
}

// RelativizeSymlinkTarget reports whether a symlink's target falls under
// startDir, and if so returns the target relative to startDir. target
// may be relative (as read from os.Readlink), in which case it is
// resolved against symlinkDir, the directory containing the symlink
// itself — never against startDir, since a relative target is always
// interpreted relative to its own link's location. This is the escape
// check the original performs before deciding whether a symlink is
// archived as a symlink record or demoted to a plain (here: empty) file
// — see Builder.Build.
func RelativizeSymlinkTarget(startDir, symlinkDir, target string) (rel string, ok bool) {
	if !filepath.IsAbs(target) {
		target = filepath.Join(symlinkDir, target)
	}
	absStart, err := filepath.Abs(startDir)
	if err != nil {
		return "", false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", false
	}
	r, err := filepath.Rel(absStart, absTarget)
	if err != nil || isOutsideRoot(r) {
		return "", false
	}
	return filepath.ToSlash(r), true
}

// isOutsideRoot reports whether a filepath.Rel result climbs above its
// base: either ".." exactly, or beginning with "../".
func isOutsideRoot(rel string) bool {
	sep := string(filepath.Separator)
	return rel == ".." || len(rel) > 2 && rel[:2] == ".." && rel[2:3] == sep
}
