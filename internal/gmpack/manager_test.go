package gmpack

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gmtoolkit/gmpack/internal/gmpack/codec"
)

type builtFile struct {
	name string
	data []byte
	tag  int32
	perm int32
}

// buildArchive hand-assembles an archive the way Builder will, exercising
// WriteHeader/WriteDataFile/AppendFileInfo/SaveFileInfo directly so manager
// behavior is tested independently of the walker.
func buildArchive(t *testing.T, path string, compress bool, files []builtFile) *Manager {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	m := New(path)
	m.BodyCompressFlag = compress
	if err := m.WriteHeader(f); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	for _, bf := range files {
		rec := codec.Record{Filename: bf.name, Tag: bf.tag, Permissions: bf.perm}
		if len(bf.data) > 0 {
			if err := m.WriteDataFile(f, &rec, bf.data); err != nil {
				t.Fatalf("WriteDataFile(%s): %v", bf.name, err)
			}
		}
		if err := m.AppendFileInfo(rec); err != nil {
			t.Fatalf("AppendFileInfo(%s): %v", bf.name, err)
		}
	}
	if err := m.SaveFileInfo(f); err != nil {
		t.Fatalf("SaveFileInfo: %v", err)
	}
	return m
}

func TestBuildAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.gmpack")

	files := []builtFile{
		{name: "bin/hello", data: bytes.Repeat([]byte("hello world "), 100), tag: 1, perm: codec.PermOwnerRead | codec.PermOwnerExec},
		{name: "lib/libfoo.so", data: bytes.Repeat([]byte("shared object "), 50), tag: 2, perm: codec.PermOwnerRead},
		{name: "share/empty.txt", data: nil, tag: 1, perm: codec.PermOwnerRead},
	}
	buildArchive(t, path, true, files)

	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !m.IsValid() {
		t.Fatal("IsValid() = false after successful Open")
	}
	if got, want := m.FileNumber(), len(files); got != want {
		t.Fatalf("FileNumber() = %d, want %d", got, want)
	}
	if m.Version != 2 {
		t.Fatalf("Version = %d, want 2", m.Version)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open for reading: %v", err)
	}
	defer f.Close()

	for _, bf := range files {
		data, err := m.ReadDataFileByName(f, bf.name)
		if err != nil {
			t.Fatalf("ReadDataFileByName(%s): %v", bf.name, err)
		}
		if !bytes.Equal(data, bf.data) {
			t.Fatalf("content of %s = %q, want %q", bf.name, data, bf.data)
		}
	}
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.gmpack")
	buildArchive(t, path, false, []builtFile{
		{name: "a", data: []byte("payload"), tag: 1},
	})

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()/2); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if _, err := Open(path); err == nil {
		t.Fatal("Open succeeded on a truncated archive")
	}
}

func TestRemoveDataFileIsTombstoneNotRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.gmpack")
	buildArchive(t, path, false, []builtFile{
		{name: "a", data: []byte("aaaa"), tag: 1},
		{name: "b", data: []byte("bbbb"), tag: 1},
	})

	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.RemoveDataFile("a"); err != nil {
		t.Fatalf("RemoveDataFile: %v", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open for writing: %v", err)
	}
	if err := m.SaveFileInfo(f); err != nil {
		f.Close()
		t.Fatalf("SaveFileInfo: %v", err)
	}
	f.Close()

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, want := reloaded.FileNumber(), 2; got != want {
		t.Fatalf("FileNumber() after tombstone = %d, want %d (tombstones are kept, not rewritten away)", got, want)
	}
	if _, ok := reloaded.FileInfo("a"); ok {
		t.Fatal("tombstoned file still reported live by FileInfo")
	}
	if _, ok := reloaded.FileInfo("b"); !ok {
		t.Fatal("untouched file b missing after tombstoning a")
	}
}

func TestRemoveDataFileUnknownName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.gmpack")
	m := buildArchive(t, path, false, []builtFile{{name: "a", data: []byte("x"), tag: 1}})

	if err := m.RemoveDataFile("does-not-exist"); err == nil {
		t.Fatal("expected an error removing an unknown filename")
	}
}

func TestSetGlobalTagPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.gmpack")
	m := buildArchive(t, path, false, []builtFile{
		{name: "a", data: []byte("aaaa"), tag: 1},
		{name: "b", data: []byte("bbbb"), tag: 2},
	})
	m.SetGlobalTag(9)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open for writing: %v", err)
	}
	if err := m.SaveFileInfo(f); err != nil {
		f.Close()
		t.Fatalf("SaveFileInfo: %v", err)
	}
	f.Close()

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	for _, rec := range reloaded.FileInfoList(Filter{}) {
		if rec.Tag != 9 {
			t.Fatalf("record %s has tag %d, want 9", rec.Filename, rec.Tag)
		}
	}
}

func TestFileInfoListFiltersByTagDirAndName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.gmpack")
	m := buildArchive(t, path, false, []builtFile{
		{name: "bin/a", data: []byte("a"), tag: 1},
		{name: "bin/b", data: []byte("b"), tag: 2},
		{name: "lib/c", data: []byte("c"), tag: 1},
		{name: "lib/nested/d", data: []byte("d"), tag: 1},
		{name: "etc/e", data: []byte("e"), tag: 3},
	})

	byTag := m.FileInfoList(Filter{TagList: []int32{1}})
	if got, want := len(byTag), 3; got != want {
		t.Fatalf("tag filter returned %d records, want %d", got, want)
	}

	byDir := m.FileInfoList(Filter{DirList: []string{"bin"}})
	if got, want := len(byDir), 2; got != want {
		t.Fatalf("dir filter returned %d records, want %d", got, want)
	}

	byName := m.FileInfoList(Filter{FilenameList: []string{"etc/e"}})
	if got, want := len(byName), 1; got != want || byName[0].Filename != "etc/e" {
		t.Fatalf("filename filter = %v, want exactly etc/e", byName)
	}

	union := m.FileInfoList(Filter{DirList: []string{"bin"}, FilenameList: []string{"etc/e"}})
	if got, want := len(union), 3; got != want {
		t.Fatalf("dir+filename union returned %d records, want %d", got, want)
	}

	recursive := m.FileInfoList(Filter{DirList: []string{"lib"}})
	if got, want := len(recursive), 2; got != want {
		t.Fatalf("recursive dir filter returned %d records, want %d (lib/c and lib/nested/d)", got, want)
	}

	empty := m.FileInfoList(Filter{})
	if got, want := len(empty), 5; got != want {
		t.Fatalf("empty filter returned %d records, want %d (all live)", got, want)
	}
}

func TestAppendFileInfoRejectsDuplicate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.gmpack")
	m := buildArchive(t, path, false, []builtFile{{name: "a", data: []byte("x"), tag: 1}})

	if err := m.AppendFileInfo(codec.Record{Filename: "a"}); err == nil {
		t.Fatal("expected an error appending a duplicate filename")
	}
}

func TestAppendPackageMergesLiveRecords(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.gmpack")
	pathB := filepath.Join(dir, "b.gmpack")

	buildArchive(t, pathA, false, []builtFile{
		{name: "from-a", data: []byte("aaaa"), tag: 1},
	})
	buildArchive(t, pathB, false, []builtFile{
		{name: "from-b", data: []byte("bbbb"), tag: 2},
		{name: "empty-from-b", data: nil, tag: 2, perm: codec.PermOwnerRead},
	})

	m, err := Open(pathA)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, err := os.OpenFile(pathA, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open for writing: %v", err)
	}
	defer f.Close()

	if err := m.AppendPackage(f, pathB); err != nil {
		t.Fatalf("AppendPackage: %v", err)
	}
	f.Close()

	reloaded, err := Open(pathA)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, want := reloaded.FileNumber(), 3; got != want {
		t.Fatalf("FileNumber() after append = %d, want %d", got, want)
	}
	rf, err := os.Open(pathA)
	if err != nil {
		t.Fatalf("open merged archive: %v", err)
	}
	defer rf.Close()
	data, err := reloaded.ReadDataFileByName(rf, "from-b")
	if err != nil {
		t.Fatalf("ReadDataFileByName(from-b): %v", err)
	}
	if !bytes.Equal(data, []byte("bbbb")) {
		t.Fatalf("from-b content = %q, want %q", data, "bbbb")
	}
	emptyRec, ok := reloaded.FileInfo("empty-from-b")
	if !ok {
		t.Fatal("empty-from-b missing after append")
	}
	if emptyRec.Permissions != codec.PermOwnerRead {
		t.Fatalf("empty-from-b permissions = %d, want preserved %d", emptyRec.Permissions, codec.PermOwnerRead)
	}
}

func TestReadDataFileByNameUnknown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.gmpack")
	m := buildArchive(t, path, false, []builtFile{{name: "a", data: []byte("x"), tag: 1}})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if _, err := m.ReadDataFileByName(f, "missing"); err == nil {
		t.Fatal("expected an error reading an unknown filename")
	}
}

// TestOpenToleratesForeignPrefix exercises the self-locating-from-tail load
// protocol: an archive that has been concatenated onto the end of some
// other file (e.g. a shell self-extractor stub) must still load, since
// every offset Load computes is anchored off the file's end, not its start.
func TestOpenToleratesForeignPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.gmpack")
	buildArchive(t, path, true, []builtFile{
		{name: "bin/hello", data: bytes.Repeat([]byte("hello world "), 100), tag: 1, perm: codec.PermOwnerRead},
		{name: "share/empty.txt", data: nil, tag: 1},
	})

	archiveBytes, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading built archive: %v", err)
	}

	prefixed := filepath.Join(dir, "prefixed.gmpack")
	foreign := append([]byte("#!/bin/sh\necho this is a loader stub\nexit 0\n"), archiveBytes...)
	if err := os.WriteFile(prefixed, foreign, 0o644); err != nil {
		t.Fatalf("writing prefixed archive: %v", err)
	}

	m, err := Open(prefixed)
	if err != nil {
		t.Fatalf("Open(prefixed archive): %v", err)
	}
	if !m.IsValid() {
		t.Fatal("IsValid() = false for an archive with a foreign prefix")
	}
	if got, want := m.FileNumber(), 2; got != want {
		t.Fatalf("FileNumber() = %d, want %d", got, want)
	}

	f, err := os.Open(prefixed)
	if err != nil {
		t.Fatalf("open for reading: %v", err)
	}
	defer f.Close()

	data, err := m.ReadDataFileByName(f, "bin/hello")
	if err != nil {
		t.Fatalf("ReadDataFileByName(bin/hello): %v", err)
	}
	want := bytes.Repeat([]byte("hello world "), 100)
	if !bytes.Equal(data, want) {
		t.Fatalf("content of bin/hello = %q, want %q", data, want)
	}
}

func TestSetCompressionLevelValidation(t *testing.T) {
	m := New("unused")
	if err := m.SetCompressionLevel(5); err != nil {
		t.Fatalf("SetCompressionLevel(5): %v", err)
	}
	if err := m.SetCompressionLevel(-1); err != nil {
		t.Fatalf("SetCompressionLevel(-1): %v", err)
	}
	if err := m.SetCompressionLevel(10); err == nil {
		t.Fatal("expected an error for compression level 10")
	}
	if err := m.SetCompressionLevel(-2); err == nil {
		t.Fatal("expected an error for compression level -2")
	}
}
