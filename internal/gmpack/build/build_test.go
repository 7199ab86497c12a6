package build

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gmtoolkit/gmpack/internal/gmpack"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return dir
}

func TestBuildThenReadBack(t *testing.T) {
	src := writeTree(t, map[string]string{
		"bin/hello":    "echo hello",
		"lib/util.txt": "shared utility data",
		"README":       "top level readme",
	})
	archivePath := filepath.Join(t.TempDir(), "out.gmpack")

	var progressed []string
	b := New(Options{
		Compress:         boolPtr(true),
		CompressionLevel: intPtr(9),
		Tag:              1,
		Progress: func(filename string, index, total, percent int) {
			progressed = append(progressed, filename)
		},
	})
	if err := b.Build(src, archivePath); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(progressed) != 3 {
		t.Fatalf("got %d progress callbacks, want 3", len(progressed))
	}

	m, err := gmpack.Open(archivePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got, want := m.FileNumber(), 3; got != want {
		t.Fatalf("FileNumber() = %d, want %d", got, want)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	data, err := m.ReadDataFileByName(f, "lib/util.txt")
	if err != nil {
		t.Fatalf("ReadDataFileByName: %v", err)
	}
	if string(data) != "shared utility data" {
		t.Fatalf("content = %q, want %q", data, "shared utility data")
	}

	for _, rec := range m.FileInfoList(gmpack.Filter{}) {
		if rec.Tag != 1 {
			t.Fatalf("record %s has tag %d, want 1", rec.Filename, rec.Tag)
		}
	}
}

func TestAppendAddsToExistingArchive(t *testing.T) {
	src1 := writeTree(t, map[string]string{"a": "aaaa"})
	src2 := writeTree(t, map[string]string{"b": "bbbb"})
	archivePath := filepath.Join(t.TempDir(), "out.gmpack")

	b := New(Options{Compress: boolPtr(false), CompressionLevel: intPtr(0), Tag: 0})
	if err := b.Build(src1, archivePath); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := b.Append(src2, archivePath); err != nil {
		t.Fatalf("Append: %v", err)
	}

	m, err := gmpack.Open(archivePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got, want := m.FileNumber(), 2; got != want {
		t.Fatalf("FileNumber() = %d, want %d", got, want)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	for name, want := range map[string]string{"a": "aaaa", "b": "bbbb"} {
		data, err := m.ReadDataFileByName(f, name)
		if err != nil {
			t.Fatalf("ReadDataFileByName(%s): %v", name, err)
		}
		if !bytes.Equal(data, []byte(want)) {
			t.Fatalf("content of %s = %q, want %q", name, data, want)
		}
	}
}

func TestBuildDemotesEscapingSymlink(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	outside := filepath.Join(dir, "outside.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(src, "escaping-link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "inside.txt"), []byte("inside"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Symlink("inside.txt", filepath.Join(src, "inside-link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	archivePath := filepath.Join(dir, "out.gmpack")
	b := New(Options{})
	if err := b.Build(src, archivePath); err != nil {
		t.Fatalf("Build: %v", err)
	}

	m, err := gmpack.Open(archivePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	escaping, ok := m.FileInfo("escaping-link")
	if !ok {
		t.Fatal("escaping-link missing from archive")
	}
	if escaping.IsSymlink {
		t.Fatal("escaping-link was archived as a symlink record, want demoted to an empty file")
	}

	inside, ok := m.FileInfo("inside-link")
	if !ok {
		t.Fatal("inside-link missing from archive")
	}
	if !inside.IsSymlink || inside.SymlinkTarget != "inside.txt" {
		t.Fatalf("inside-link = %+v, want a symlink record targeting inside.txt", inside)
	}
}
