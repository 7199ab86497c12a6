// Package gmpack implements the gmpack archive format: a single-file
// container for one or more directory trees, with per-file compression,
// lightweight XOR obfuscation, logical deletion, and loader-prefix
// tolerance. Manager is the hard part of the system described in
// SPEC_FULL.md §6.3; Builder (internal/gmpack/build) and Installer
// (internal/gmpack/install) are thin drivers on top of it.
package gmpack

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gmtoolkit/gmpack/internal/gmpack/codec"
	"golang.org/x/xerrors"
)

// identification is the fixed, NUL-padded ASCII tag written into every v2
// header.
const identification = "GMTOOLKITPACKAGEFILE"

const (
	identificationSize = 128
	headerSizeV1       = 4 + 1          // version + bodyCompressFlag
	headerSizeV2       = 4 + 1 + 1 + 128 // + encryptionFlag + identification
	trailerSize        = 4 + 8 + 8       // recordCount + indexStart + totalSize
)

// indexAlwaysObfuscated documents a format constant, not a configurable
// option: the index region is read and XOR-masked before the header (and
// therefore the encryption flag) is known, because v1 archives were always
// obfuscated. See SPEC_FULL.md §12, item 2.
const indexAlwaysObfuscated = true

// Filter selects a subset of an archive's live records. An empty Filter
// (no TagList, DirList, or FilenameList) selects every live record. See
// SPEC_FULL.md §6.3 / the format's 3-way filter semantics.
type Filter struct {
	TagList      []int32
	DirList      []string
	FilenameList []string
}

// Manager owns one archive's on-disk layout: header, payload region, index,
// and trailer. It holds no open file handle between operations; callers
// pass an *os.File positioned by the caller, matching the redesign note in
// SPEC_FULL.md §7 that keeps Builder and Manager decoupled.
type Manager struct {
	Filename string

	Version          int32
	BodyCompressFlag bool
	EncryptionFlag   bool
	CompressionLevel int

	// startOffset is the archive's offset within the host file: zero
	// unless the archive was concatenated onto another binary.
	startOffset int64

	records []codec.Record

	errList
}

// New returns a Manager configured for a brand-new v2 archive, matching
// the original format's default construction: version 2, obfuscation on,
// body compression off until the caller opts in, compression level 9.
func New(filename string) *Manager {
	return &Manager{
		Filename:         filename,
		Version:          2,
		EncryptionFlag:   true,
		CompressionLevel: 9,
	}
}

// Open loads an existing archive from filename.
func Open(filename string) (*Manager, error) {
	m := New(filename)
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// IsValid reports whether records have been loaded.
func (m *Manager) IsValid() bool {
	return len(m.records) > 0
}

// Errors returns the human-readable messages accumulated since the most
// recent Load, oldest first. Load clears the list; SaveFileInfo,
// AppendFileInfo and RemoveDataFile (directly or through AppendPackage)
// append to it without clearing it, so it can hold messages from more
// than one of those operations. Every returned error from those
// methods is already self-describing, so callers are not required to
// consult Errors() — it exists for CLI commands that want to echo the
// full accumulated diagnostic trail, not just the single returned error,
// the way the original tool's error log dialog did.
func (m *Manager) Errors() []string {
	return m.list()
}

// SetCompressionLevel validates and sets the deflate level (-1, or 0-9).
func (m *Manager) SetCompressionLevel(level int) error {
	if (level < 0 && level != -1) || level > 9 {
		return xerrors.New("gmpack: compression level out of range (-1, 0..9)")
	}
	m.CompressionLevel = level
	return nil
}

// Load reads and validates m.Filename's trailer, index, and header,
// following the self-locating protocol of SPEC_FULL.md §6.3.
func (m *Manager) Load() error {
	m.clear()
	if m.Filename == "" {
		m.add("package filename is empty")
		return ErrNotLoaded
	}

	f, err := os.Open(m.Filename)
	if err != nil {
		m.add("opens package file %s failure: %v", m.Filename, err)
		return xerrors.Errorf("opening %s: %w", m.Filename, err)
	}
	defer f.Close()

	if err := m.loadFileInfo(f); err != nil {
		m.add("%v", err)
		return err
	}
	if err := m.readHeader(f); err != nil {
		m.add("%v", err)
		return err
	}
	return nil
}

// loadFileInfo implements the trailer + index half of the load protocol
// (steps 1-9 locate the records; the header is read separately by
// readHeader once the first record's position anchors the search).
func (m *Manager) loadFileInfo(f *os.File) error {
	m.records = nil

	info, err := f.Stat()
	if err != nil {
		return xerrors.Errorf("stat: %w", err)
	}
	hostSize := info.Size()
	if hostSize < trailerSize {
		return ErrTrailerCorrupt
	}

	if _, err := f.Seek(hostSize-trailerSize, io.SeekStart); err != nil {
		return xerrors.Errorf("seeking to trailer: %w", err)
	}
	var recordCount int32
	var indexStart, totalSize int64
	if err := binary.Read(f, binary.LittleEndian, &recordCount); err != nil {
		return xerrors.Errorf("reading record count: %w", err)
	}
	if err := binary.Read(f, binary.LittleEndian, &indexStart); err != nil {
		return xerrors.Errorf("reading index start: %w", err)
	}
	if err := binary.Read(f, binary.LittleEndian, &totalSize); err != nil {
		return xerrors.Errorf("reading total size: %w", err)
	}
	if totalSize <= 0 || hostSize < totalSize {
		return ErrFormatTruncated
	}

	startOffset := hostSize - totalSize
	if startOffset < 0 {
		return ErrFormatTruncated
	}
	indexAbs := indexStart + startOffset
	indexRegionLen := totalSize - indexStart - trailerSize
	if indexRegionLen < 1 {
		return ErrTrailerCorrupt
	}

	if _, err := f.Seek(indexAbs, io.SeekStart); err != nil {
		return xerrors.Errorf("seeking to index: %w", err)
	}
	var indexCompressFlag uint8
	if err := binary.Read(f, binary.LittleEndian, &indexCompressFlag); err != nil {
		return xerrors.Errorf("reading index compress flag: %w", err)
	}

	raw := make([]byte, indexRegionLen-1)
	if _, err := io.ReadFull(f, raw); err != nil {
		return xerrors.Errorf("reading index region: %w", err)
	}
	if indexAlwaysObfuscated {
		codec.Obfuscate(raw)
	}

	var recordBytes []byte
	if indexCompressFlag != 0 {
		recordBytes, err = codec.DecompressToEOF(raw)
		if err != nil {
			return xerrors.Errorf("decompressing index: %w", err)
		}
	} else {
		recordBytes = raw
	}

	recordReader := bytes.NewReader(recordBytes)
	records := make([]codec.Record, 0, recordCount)
	for i := int32(0); i < recordCount; i++ {
		rec, err := codec.DecodeRecord(recordReader, true)
		if err != nil {
			return xerrors.Errorf("decoding record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return ErrTrailerCorrupt
	}

	m.startOffset = startOffset
	m.records = records
	return nil
}

// readHeader locates and reads the header using the payload position of
// the first record that has a payload as an anchor, trying the v2 layout
// first (the layout this package always writes) and falling back to v1 if
// the version field read back does not match. This resolves SPEC_FULL.md
// §12 item 3 without reproducing the original format's broken zero-byte
// v2 header size.
func (m *Manager) readHeader(f *os.File) error {
	// Empty-file and symlink records have no payload and Position 0. An
	// archive with no payload at all has its index right after a v2
	// header.
	anchor := int64(headerSizeV2)
	for _, r := range m.records {
		if r.CompressedLen > 0 {
			anchor = r.Position
			break
		}
	}

	tryVersion := func(headerSize int64) (ok bool, err error) {
		headerStart := anchor - headerSize + m.startOffset
		if headerStart < m.startOffset {
			return false, nil
		}
		if _, err := f.Seek(headerStart, io.SeekStart); err != nil {
			return false, xerrors.Errorf("seeking to header: %w", err)
		}
		var version int32
		if err := binary.Read(f, binary.LittleEndian, &version); err != nil {
			return false, xerrors.Errorf("reading version: %w", err)
		}
		var bodyCompressFlag uint8
		if err := binary.Read(f, binary.LittleEndian, &bodyCompressFlag); err != nil {
			return false, xerrors.Errorf("reading body compress flag: %w", err)
		}
		if headerSize == headerSizeV2 {
			if version != 2 {
				return false, nil
			}
			var encryptionFlag uint8
			if err := binary.Read(f, binary.LittleEndian, &encryptionFlag); err != nil {
				return false, xerrors.Errorf("reading encryption flag: %w", err)
			}
			var ident [identificationSize]byte
			if _, err := io.ReadFull(f, ident[:]); err != nil {
				return false, xerrors.Errorf("reading identification: %w", err)
			}
			m.Version = 2
			m.BodyCompressFlag = bodyCompressFlag != 0
			m.EncryptionFlag = encryptionFlag != 0
			return true, nil
		}
		if version != 1 {
			return false, nil
		}
		m.Version = 1
		m.BodyCompressFlag = bodyCompressFlag != 0
		m.EncryptionFlag = true // v1 archives were always obfuscated
		return true, nil
	}

	ok, err := tryVersion(headerSizeV2)
	if err != nil {
		return err
	}
	if !ok {
		ok, err = tryVersion(headerSizeV1)
		if err != nil {
			return err
		}
	}
	if !ok {
		return xerrors.Errorf("%w: unrecognized header version", ErrTrailerCorrupt)
	}
	return nil
}

// WriteHeader writes the v2 header at the archive's start. Obfuscation
// never applies to the header.
func (m *Manager) WriteHeader(f *os.File) error {
	if _, err := f.Seek(m.startOffset, io.SeekStart); err != nil {
		return xerrors.Errorf("seeking to header: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, int32(2)); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, boolByte(m.BodyCompressFlag)); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, boolByte(m.EncryptionFlag)); err != nil {
		return err
	}
	var ident [identificationSize]byte
	copy(ident[:], identification)
	if _, err := f.Write(ident[:]); err != nil {
		return err
	}
	m.Version = 2
	return nil
}

// WriteDataFile compresses (if enabled), obfuscates, and appends data at
// the file's current position, filling in rec's Position, CompressedLen,
// OriginalLen and CompressFlag. The caller must have already set
// rec.Filename, rec.Permissions and rec.Tag.
func (m *Manager) WriteDataFile(f *os.File, rec *codec.Record, data []byte) error {
	if len(data) == 0 {
		return xerrors.New("gmpack: cannot write an empty payload as a data file")
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return xerrors.Errorf("getting write position: %w", err)
	}
	rec.Position = pos - m.startOffset
	rec.OriginalLen = int64(len(data))
	rec.CompressedLen = int64(len(data))
	rec.CompressFlag = m.BodyCompressFlag

	out := data
	if m.BodyCompressFlag {
		if compressed, ok := codec.Compress(data, m.CompressionLevel); ok {
			out = compressed
			rec.CompressedLen = int64(len(compressed))
		} else {
			rec.CompressFlag = false
		}
	}
	rec.ContentHash = xxhash.Sum64(data)

	return m.writeDataBlock(f, out)
}

// writeDataBlock obfuscates (if enabled) and writes data at the current
// position.
func (m *Manager) writeDataBlock(f *os.File, data []byte) error {
	if len(data) == 0 {
		return xerrors.New("gmpack: cannot write an empty data block")
	}
	buf := data
	if m.EncryptionFlag {
		buf = append([]byte(nil), data...)
		codec.Obfuscate(buf)
	}
	n, err := f.Write(buf)
	if err != nil {
		return xerrors.Errorf("writing data block: %w", err)
	}
	if n != len(buf) {
		return xerrors.New("gmpack: short write")
	}
	return nil
}

// readDataBlock reads dataLength bytes at the file's current position and
// deobfuscates them if the archive's encryption flag is set.
func (m *Manager) readDataBlock(f *os.File, dataLength int64) ([]byte, error) {
	buf := make([]byte, dataLength)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, xerrors.Errorf("reading data block: %w", err)
	}
	if m.EncryptionFlag {
		codec.Obfuscate(buf)
	}
	return buf, nil
}

// fileDataStartPosition is the payload's absolute position in the host
// file, accounting for any prefix before the archive start.
func (m *Manager) fileDataStartPosition(rec codec.Record) int64 {
	return rec.Position + m.startOffset
}

// ReadDataFile returns rec's decompressed payload. It returns
// (nil, nil) for records with no payload (empty files, symlinks).
func (m *Manager) ReadDataFile(f *os.File, rec codec.Record) ([]byte, error) {
	if rec.OriginalLen == 0 || rec.CompressedLen == 0 {
		return nil, nil
	}
	pos := m.fileDataStartPosition(rec)
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return nil, xerrors.Errorf("seeking to payload of %s: %w", rec.Filename, err)
	}

	raw, err := m.readDataBlock(f, rec.CompressedLen)
	if err != nil {
		return nil, err
	}

	var data []byte
	if rec.CompressFlag {
		data, err = codec.Decompress(raw, rec.OriginalLen)
		if err != nil {
			return nil, xerrors.Errorf("%s: %w", rec.Filename, err)
		}
	} else {
		if int64(len(raw)) != rec.OriginalLen {
			return nil, xerrors.Errorf("%s: %w", rec.Filename, ErrSizeMismatch)
		}
		data = raw
	}

	if rec.ContentHash != 0 && xxhash.Sum64(data) != rec.ContentHash {
		return nil, xerrors.Errorf("%s: content checksum mismatch: %w", rec.Filename, ErrSizeMismatch)
	}
	return data, nil
}

// ReadDataFileByName looks up filename among the live records and reads
// its payload.
func (m *Manager) ReadDataFileByName(f *os.File, filename string) ([]byte, error) {
	rec, ok := m.FileInfo(filename)
	if !ok {
		return nil, xerrors.Errorf("%s: %w", filename, ErrFileNotFound)
	}
	return m.ReadDataFile(f, rec)
}

// fileExists reports whether filename names a live (non-tombstoned)
// record.
func (m *Manager) fileExists(filename string) bool {
	for _, r := range m.records {
		if !r.DeleteFlag && r.Filename == filename {
			return true
		}
	}
	return false
}

// AppendFileInfo appends rec to the in-memory record list, rejecting a
// filename already present among the live records.
func (m *Manager) AppendFileInfo(rec codec.Record) error {
	if m.fileExists(rec.Filename) {
		m.add("file %s already exists in package", rec.Filename)
		return xerrors.Errorf("%s: %w", rec.Filename, ErrDuplicateFilename)
	}
	m.records = append(m.records, rec)
	return nil
}

// IndexStartPosition returns the position (relative to the archive start)
// at which the index region starts: immediately after the furthest
// record payload, or right after the header when no record has a
// payload. Empty-file and symlink records carry no payload and are
// skipped.
func (m *Manager) IndexStartPosition() (int64, error) {
	if !m.IsValid() {
		return -1, ErrNotLoaded
	}
	end := int64(headerSizeV2)
	if m.Version == 1 {
		end = headerSizeV1
	}
	for _, r := range m.records {
		if r.CompressedLen > 0 && r.Position+r.CompressedLen > end {
			end = r.Position + r.CompressedLen
		}
	}
	return end, nil
}

// AppendWritePosition returns the absolute host-file offset a caller
// must Seek to before writing new payload data ahead of calling
// AppendFileInfo/SaveFileInfo — IndexStartPosition adjusted for the
// archive's startOffset, which callers outside this package cannot
// otherwise see.
func (m *Manager) AppendWritePosition() (int64, error) {
	indexStart, err := m.IndexStartPosition()
	if err != nil {
		return -1, err
	}
	return indexStart + m.startOffset, nil
}

// SaveFileInfo serializes every record (live and tombstoned) to the
// index region starting at the current index position, writes the
// trailer, and truncates the host file to the new end. This is the only
// operation that persists tombstones and tag changes.
func (m *Manager) SaveFileInfo(f *os.File) error {
	indexStart, err := m.IndexStartPosition()
	if err != nil {
		m.add("gets file information start position failure: %v", err)
		return err
	}
	if len(m.records) == 0 {
		m.add("file information list is empty")
		return ErrNotLoaded
	}

	if _, err := f.Seek(indexStart+m.startOffset, io.SeekStart); err != nil {
		return xerrors.Errorf("seeking to index start: %w", err)
	}

	recordBytes, err := m.encodeAllRecords()
	if err != nil {
		return err
	}

	compress := m.BodyCompressFlag
	body := recordBytes
	if compress {
		if compressed, ok := codec.Compress(recordBytes, m.CompressionLevel); ok {
			body = compressed
		} else {
			compress = false
		}
	}

	if err := binary.Write(f, binary.LittleEndian, boolByte(compress)); err != nil {
		return err
	}
	if err := m.writeDataBlock(f, body); err != nil {
		return xerrors.Errorf("writing index: %w", err)
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return xerrors.Errorf("getting trailer position: %w", err)
	}
	totalSize := pos - m.startOffset + trailerSize

	if err := binary.Write(f, binary.LittleEndian, int32(len(m.records))); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, indexStart); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, totalSize); err != nil {
		return err
	}

	end, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return xerrors.Errorf("getting archive end: %w", err)
	}
	if err := f.Truncate(end); err != nil {
		m.add("resizes package file failure: %v", err)
		return xerrors.Errorf("truncating: %w", err)
	}
	return nil
}

func (m *Manager) encodeAllRecords() ([]byte, error) {
	var out []byte
	for i, r := range m.records {
		b, err := codec.EncodeRecord(r, true)
		if err != nil {
			return nil, xerrors.Errorf("encoding record %d: %w", i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// RemoveDataFile sets the tombstone bit on the first live record matching
// filename. The caller must call SaveFileInfo to persist the change.
func (m *Manager) RemoveDataFile(filename string) error {
	for i := range m.records {
		if m.records[i].DeleteFlag {
			continue
		}
		if m.records[i].Filename == filename {
			m.records[i].DeleteFlag = true
			return nil
		}
	}
	m.add("file %s not exists", filename)
	return xerrors.Errorf("%s: %w", filename, ErrFileNotFound)
}

// SetGlobalTag rewrites the Tag field on every record, live or
// tombstoned. The caller must call SaveFileInfo to persist the change.
func (m *Manager) SetGlobalTag(tag int32) {
	for i := range m.records {
		m.records[i].Tag = tag
	}
}

// AppendPackage reads other's live records and payloads and appends them
// to f (this archive), rewriting offsets relative to this archive's
// start. Unlike the original implementation, permissions, tag, and
// symlink targets are preserved for empty-file and symlink members too —
// see DESIGN.md for why this diverges from the literal original.
func (m *Manager) AppendPackage(f *os.File, otherPath string) error {
	if m.Filename == "" || otherPath == "" || m.Filename == otherPath {
		return xerrors.New("gmpack: invalid append source")
	}

	other, err := Open(otherPath)
	if err != nil {
		return xerrors.Errorf("loading %s: %w", otherPath, err)
	}

	otherFile, err := os.Open(otherPath)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", otherPath, err)
	}
	defer otherFile.Close()

	writePos, err := m.AppendWritePosition()
	if err != nil {
		return err
	}
	if _, err := f.Seek(writePos, io.SeekStart); err != nil {
		return xerrors.Errorf("seeking to append position: %w", err)
	}

	for _, rec := range other.records {
		if rec.DeleteFlag {
			continue
		}
		appended := codec.Record{
			Filename:      rec.Filename,
			Permissions:   rec.Permissions,
			Tag:           rec.Tag,
			IsSymlink:     rec.IsSymlink,
			SymlinkTarget: rec.SymlinkTarget,
		}
		if rec.IsSymlink || rec.OriginalLen == 0 {
			if err := m.AppendFileInfo(appended); err != nil {
				return err
			}
			continue
		}

		data, err := other.ReadDataFile(otherFile, rec)
		if err != nil {
			return xerrors.Errorf("reading %s from %s: %w", rec.Filename, otherPath, err)
		}
		if err := m.WriteDataFile(f, &appended, data); err != nil {
			return err
		}
		if err := m.AppendFileInfo(appended); err != nil {
			return err
		}
	}

	return m.SaveFileInfo(f)
}

// FileInfo returns the live record for filename, if any.
func (m *Manager) FileInfo(filename string) (codec.Record, bool) {
	for _, r := range m.records {
		if !r.DeleteFlag && r.Filename == filename {
			return r, true
		}
	}
	return codec.Record{}, false
}

// FileNumber returns the total number of records (live and tombstoned).
func (m *Manager) FileNumber() int {
	return len(m.records)
}

// Filenames returns the filenames of every live record, in insertion
// order.
func (m *Manager) Filenames() []string {
	var out []string
	for _, r := range m.records {
		if !r.DeleteFlag {
			out = append(out, r.Filename)
		}
	}
	return out
}

// FileInfoList returns the live records matching filter, applying the
// format's 3-way filter semantics (SPEC_FULL.md §6.3): tag filtering
// first, then the union of directory and filename matches, falling back
// to the tag-filtered base when neither directory nor filename lists
// match anything.
func (m *Manager) FileInfoList(filter Filter) []codec.Record {
	base := m.liveRecords()

	if len(filter.TagList) > 0 {
		base = filterByTag(base, filter.TagList)
	}

	var byDir []codec.Record
	for _, d := range filter.DirList {
		byDir = append(byDir, filterByDir(base, d, true)...)
	}

	var byName []codec.Record
	if len(filter.FilenameList) > 0 {
		names := map[string]bool{}
		for _, n := range filter.FilenameList {
			names[n] = true
		}
		for _, r := range base {
			if names[r.Filename] {
				byName = append(byName, r)
			}
		}
	}

	if len(byDir) == 0 && len(byName) == 0 {
		return base
	}

	seen := map[string]bool{}
	var result []codec.Record
	for _, r := range byDir {
		if !seen[r.Filename] {
			seen[r.Filename] = true
			result = append(result, r)
		}
	}
	for _, r := range byName {
		if !seen[r.Filename] {
			seen[r.Filename] = true
			result = append(result, r)
		}
	}
	return result
}

func (m *Manager) liveRecords() []codec.Record {
	var out []codec.Record
	for _, r := range m.records {
		if !r.DeleteFlag {
			out = append(out, r)
		}
	}
	return out
}

func filterByTag(records []codec.Record, tags []int32) []codec.Record {
	want := map[int32]bool{}
	for _, t := range tags {
		want[t] = true
	}
	var out []codec.Record
	for _, r := range records {
		if want[r.Tag] {
			out = append(out, r)
		}
	}
	return out
}

// filterByDir returns records under directory d. recursive selects
// whether nested subdirectories are included.
func filterByDir(records []codec.Record, d string, recursive bool) []codec.Record {
	prefix := strings.TrimSuffix(d, "/") + "/"
	var out []codec.Record
	for _, r := range records {
		rest, ok := strings.CutPrefix(r.Filename, prefix)
		if !ok {
			continue
		}
		if recursive || !strings.Contains(rest, "/") {
			out = append(out, r)
		}
	}
	return out
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
