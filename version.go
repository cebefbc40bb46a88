package wisckey

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/kabu1204/wisckey/util"
	"github.com/pkg/errors"
)

// The manifest is an append-only log of version edits. Replaying it yields
// the current version: the set of live value log files plus the obsoletion
// ledger. It rotates through a snapshot-then-switch: a new manifest starts
// with one edit describing the whole version, then CURRENT.blob is pointed
// at it atomically.

// Version-edit field tags. Unknown tags are a fatal corruption.
const (
	tagAddFile        = 1
	tagDeleteFile     = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
)

type vlogFileMeta struct {
	number   uint64
	fileSize uint32
}

type obsoleteFile struct {
	number uint64
	// sequence is the LSM commit sequence at which the file became
	// unreferenced; the file may be removed once every live snapshot is
	// newer.
	sequence uint64
}

type versionEdit struct {
	added   []vlogFileMeta
	deleted []obsoleteFile

	nextFileNumber  uint64
	hasNextFile     bool
	lastSequence    uint64
	hasLastSequence bool
}

func (e *versionEdit) addFile(number uint64, fileSize uint32) {
	e.added = append(e.added, vlogFileMeta{number: number, fileSize: fileSize})
}

func (e *versionEdit) deleteFile(number uint64, sequence uint64) {
	e.deleted = append(e.deleted, obsoleteFile{number: number, sequence: sequence})
}

func (e *versionEdit) setNextFileNumber(number uint64) {
	e.nextFileNumber = number
	e.hasNextFile = true
}

func (e *versionEdit) setLastSequence(seq uint64) {
	e.lastSequence = seq
	e.hasLastSequence = true
}

func (e *versionEdit) encode() []byte {
	var buf []byte
	for _, m := range e.added {
		buf = binary.AppendUvarint(buf, tagAddFile)
		buf = binary.AppendUvarint(buf, m.number)
		buf = binary.AppendUvarint(buf, uint64(m.fileSize))
	}
	for _, d := range e.deleted {
		buf = binary.AppendUvarint(buf, tagDeleteFile)
		buf = binary.AppendUvarint(buf, d.number)
		buf = binary.AppendUvarint(buf, d.sequence)
	}
	if e.hasNextFile {
		buf = binary.AppendUvarint(buf, tagNextFileNumber)
		buf = binary.AppendUvarint(buf, e.nextFileNumber)
	}
	if e.hasLastSequence {
		buf = binary.AppendUvarint(buf, tagLastSequence)
		buf = binary.AppendUvarint(buf, e.lastSequence)
	}
	return buf
}

func (e *versionEdit) decode(buf []byte) error {
	for len(buf) > 0 {
		tag, n := binary.Uvarint(buf)
		if n <= 0 {
			return corruptf("version edit: bad tag")
		}
		buf = buf[n:]
		switch tag {
		case tagAddFile:
			number, ok1 := takeUvarint(&buf)
			size, ok2 := takeUvarint(&buf)
			if !ok1 || !ok2 {
				return corruptf("version edit: short AddFile")
			}
			e.addFile(number, uint32(size))
		case tagDeleteFile:
			number, ok1 := takeUvarint(&buf)
			seq, ok2 := takeUvarint(&buf)
			if !ok1 || !ok2 {
				return corruptf("version edit: short DeleteFile")
			}
			e.deleteFile(number, seq)
		case tagNextFileNumber:
			number, ok := takeUvarint(&buf)
			if !ok {
				return corruptf("version edit: short NextFileNumber")
			}
			e.setNextFileNumber(number)
		case tagLastSequence:
			seq, ok := takeUvarint(&buf)
			if !ok {
				return corruptf("version edit: short LastSequence")
			}
			e.setLastSequence(seq)
		default:
			return corruptf("version edit: unknown tag %d", tag)
		}
	}
	return nil
}

func takeUvarint(buf *[]byte) (uint64, bool) {
	v, n := binary.Uvarint(*buf)
	if n <= 0 {
		return 0, false
	}
	*buf = (*buf)[n:]
	return v, true
}

// obsoleteInfo tracks a file awaiting physical removal. fileSize is kept in
// memory only, so snapshot readers can still resolve handles into the file
// until it is actually deleted.
type obsoleteInfo struct {
	sequence uint64
	fileSize uint32
}

// blobVersion is the in-memory result of replaying the manifest.
type blobVersion struct {
	liveFiles     map[uint64]vlogFileMeta
	obsoleteFiles map[uint64]obsoleteInfo
}

func newBlobVersion() *blobVersion {
	return &blobVersion{
		liveFiles:     make(map[uint64]vlogFileMeta),
		obsoleteFiles: make(map[uint64]obsoleteInfo),
	}
}

func (v *blobVersion) apply(e *versionEdit) {
	for _, m := range e.added {
		v.liveFiles[m.number] = m
	}
	for _, d := range e.deleted {
		info := obsoleteInfo{sequence: d.sequence}
		if m, ok := v.liveFiles[d.number]; ok {
			info.fileSize = m.fileSize
		}
		delete(v.liveFiles, d.number)
		v.obsoleteFiles[d.number] = info
	}
}

// sortedLive returns the live files ordered by number.
func (v *blobVersion) sortedLive() []vlogFileMeta {
	files := make([]vlogFileMeta, 0, len(v.liveFiles))
	for _, m := range v.liveFiles {
		files = append(files, m)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].number < files[j].number })
	return files
}

// snapshotEdit encodes the whole version as a single edit, used as the first
// record of a rotated manifest.
func (v *blobVersion) snapshotEdit(nextFileNumber uint64) *versionEdit {
	e := &versionEdit{}
	for _, m := range v.sortedLive() {
		e.addFile(m.number, m.fileSize)
	}
	numbers := make([]uint64, 0, len(v.obsoleteFiles))
	for number := range v.obsoleteFiles {
		numbers = append(numbers, number)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for _, number := range numbers {
		e.deleteFile(number, v.obsoleteFiles[number].sequence)
	}
	e.setNextFileNumber(nextFileNumber)
	return e
}

// Manifest log framing: fixed32 crc32c | fixed32 length | payload.
const manifestRecordHeaderSize = 8

// manifestWriter appends framed version edits to one MANIFEST-<n>.blob.
type manifestWriter struct {
	f      *os.File
	number uint64
	size   int64
}

// createManifest starts manifest number with a snapshot of the current
// version and points CURRENT.blob at it.
func createManifest(dir string, number uint64, snapshot *versionEdit) (*manifestWriter, error) {
	name := manifestFileName(dir, number)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	m := &manifestWriter{f: f, number: number}
	if err := m.append(snapshot); err != nil {
		f.Close()
		return nil, err
	}
	if err := setCurrent(dir, number); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// openManifestForAppend reopens an existing manifest at its tail.
func openManifestForAppend(dir string, number uint64) (*manifestWriter, error) {
	f, err := os.OpenFile(manifestFileName(dir, number), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	return &manifestWriter{f: f, number: number, size: stat.Size()}, nil
}

// append writes one framed edit and syncs.
func (m *manifestWriter) append(e *versionEdit) error {
	payload := e.encode()
	hdr := make([]byte, manifestRecordHeaderSize)
	binary.LittleEndian.PutUint32(hdr[:4], crc32.Checksum(payload, castagnoliTable))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	if _, err := m.f.Write(hdr); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	if _, err := m.f.Write(payload); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := m.f.Sync(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	m.size += int64(manifestRecordHeaderSize + len(payload))
	return nil
}

func (m *manifestWriter) close() error {
	return m.f.Close()
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// replayManifest applies every edit of manifest number to ver and returns
// the recorded next file number and last sequence, if any.
func replayManifest(dir string, number uint64, ver *blobVersion) (nextFileNumber, lastSequence uint64, err error) {
	f, err := os.Open(manifestFileName(dir, number))
	if err != nil {
		return 0, 0, errors.Wrap(ErrIO, err.Error())
	}
	defer f.Close()

	hdr := make([]byte, manifestRecordHeaderSize)
	for {
		if _, err := io.ReadFull(f, hdr); err != nil {
			if err == io.EOF {
				return nextFileNumber, lastSequence, nil
			}
			return 0, 0, corruptf("manifest: torn record header")
		}
		crc := binary.LittleEndian.Uint32(hdr[:4])
		length := binary.LittleEndian.Uint32(hdr[4:])
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			return 0, 0, corruptf("manifest: torn record payload")
		}
		if crc32.Checksum(payload, castagnoliTable) != crc {
			return 0, 0, corruptf("manifest: record checksum mismatch")
		}
		edit := &versionEdit{}
		if err := edit.decode(payload); err != nil {
			return 0, 0, err
		}
		ver.apply(edit)
		if edit.hasNextFile {
			nextFileNumber = edit.nextFileNumber
		}
		if edit.hasLastSequence {
			lastSequence = edit.lastSequence
		}
	}
}

// readCurrent returns the manifest number CURRENT.blob points at.
func readCurrent(dir string) (uint64, bool, error) {
	data, err := os.ReadFile(currentFileName(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(ErrIO, err.Error())
	}
	name := string(data)
	for len(name) > 0 && (name[len(name)-1] == '\n' || name[len(name)-1] == '\r') {
		name = name[:len(name)-1]
	}
	number, ok := parseManifestFileName(name)
	if !ok {
		return 0, false, corruptf("CURRENT.blob names %q", name)
	}
	return number, true, nil
}

// setCurrent atomically points CURRENT.blob at manifest number via a temp
// file and rename.
func setCurrent(dir string, number uint64) error {
	tmp, err := os.CreateTemp(dir, "CURRENT-*")
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	defer os.Remove(tmp.Name())

	content := filepath.Base(manifestFileName(dir, number)) + "\n"
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := os.Rename(tmp.Name(), currentFileName(dir)); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return errors.Wrap(util.SyncDir(dir), "sync db dir")
}
