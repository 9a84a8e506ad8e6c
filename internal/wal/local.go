package wal

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/types"
)

// LocalWAL is the on-disk WAL backend: directory
// {data_root}/{namespace}/wal/, filenames wal_{file_index:06}.log, per
// spec.md §6.
type LocalWAL struct {
	dir         string
	log         *zap.Logger
	rotateSize  int64
	retainFiles int

	mu           sync.Mutex
	fileIndex    int
	file         *os.File
	filePath     string
	nextSequence uint64
}

// NewLocalWAL opens (creating if absent) the WAL directory for a namespace
// and positions for append at the end of the newest file, replaying just
// enough to learn the next sequence number. Sequences start at 1, so a
// compacted cutoff of 0 means that nothing has been compacted yet.
func NewLocalWAL(dir string, rotateSize int64, retainFiles int) (*LocalWAL, error) {
	if rotateSize <= 0 {
		rotateSize = DefaultRotateSize
	}
	if retainFiles <= 0 {
		retainFiles = DefaultRetainFiles
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "create WAL dir %s", dir)
	}
	w := &LocalWAL{dir: dir, log: zap.NewNop(), rotateSize: rotateSize, retainFiles: retainFiles, nextSequence: 1}

	indices, err := listFileIndices(dir)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		if err := w.openFile(0, true); err != nil {
			return nil, err
		}
		return w, nil
	}

	last := indices[len(indices)-1]
	if err := w.openFile(last, false); err != nil {
		return nil, err
	}
	entries, _, err := w.Replay()
	if err != nil {
		return nil, err
	}
	if seq, ok := maxSequenceOf(entries); ok {
		w.nextSequence = seq + 1
	}
	return w, nil
}

// WithLogger attaches a structured logger used to report recovered-vs-
// expected counts and rotation/cleanup activity.
func (w *LocalWAL) WithLogger(l *zap.Logger) *LocalWAL {
	w.log = l
	return w
}

func fileName(index int) string {
	return fmt.Sprintf("wal_%06d.log", index)
}

func listFileIndices(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "read WAL dir %s", dir)
	}
	var indices []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "wal_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, "wal_"), ".log")
		n, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices, nil
}

func (w *LocalWAL) openFile(index int, create bool) error {
	path := filepath.Join(w.dir, fileName(index))
	flags := os.O_RDWR | os.O_CREATE
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errs.Wrap(errs.Unavailable, err, "open WAL file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errs.Wrap(errs.Unavailable, err, "stat WAL file %s", path)
	}
	if info.Size() == 0 {
		var hdr [8]byte
		copy(hdr[:4], Magic[:])
		putU32(hdr[4:], Version)
		if _, err := f.Write(hdr[:]); err != nil {
			f.Close()
			return errs.Wrap(errs.Unavailable, err, "write WAL header %s", path)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return errs.Wrap(errs.Unavailable, err, "sync WAL header %s", path)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return errs.Wrap(errs.Unavailable, err, "seek WAL file %s", path)
	}
	w.file = f
	w.filePath = path
	w.fileIndex = index
	_ = create
	return nil
}

// Append durably writes op and returns its sequence. The entry's bytes are
// flushed and fsynced before return, per spec.md §4.1.
func (w *LocalWAL) Append(op types.WalOp) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.maybeRotateLocked(); err != nil {
		return 0, err
	}

	seq := w.nextSequence
	entry := newEntry(seq, op)
	payload, err := encodeEntry(entry)
	if err != nil {
		return 0, err
	}
	buf := frame(payload)
	if _, err := w.file.Write(buf); err != nil {
		return 0, errs.Wrap(errs.Unavailable, err, "append WAL entry %d", seq)
	}
	if err := w.file.Sync(); err != nil {
		return 0, errs.Wrap(errs.Unavailable, err, "sync WAL entry %d", seq)
	}
	w.nextSequence++
	return seq, nil
}

func (w *LocalWAL) maybeRotateLocked() error {
	info, err := w.file.Stat()
	if err != nil {
		return errs.Wrap(errs.Unavailable, err, "stat current WAL file")
	}
	if info.Size() < w.rotateSize {
		return nil
	}
	if err := w.file.Close(); err != nil {
		return errs.Wrap(errs.Unavailable, err, "close WAL file before rotation")
	}
	if err := w.openFile(w.fileIndex+1, true); err != nil {
		return err
	}
	w.log.Info("rotated WAL file", zap.Int("new_index", w.fileIndex))
	return w.cleanupOldFilesLocked()
}

func (w *LocalWAL) cleanupOldFilesLocked() error {
	indices, err := listFileIndices(w.dir)
	if err != nil {
		return err
	}
	if len(indices) <= w.retainFiles {
		return nil
	}
	toDelete := indices[:len(indices)-w.retainFiles]
	for _, idx := range toDelete {
		path := filepath.Join(w.dir, fileName(idx))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.log.Warn("failed to remove old WAL file", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

// Replay reads every file in file-index order and returns all recoverable
// entries in sequence order, per spec.md §4.1's tolerant recovery policy:
// on the first unrecoverable frame in a file, stop consuming that file, but
// continue into any later files that are still valid from their start.
func (w *LocalWAL) Replay() ([]types.WalEntry, RecoveryReport, error) {
	indices, err := listFileIndices(w.dir)
	if err != nil {
		return nil, RecoveryReport{}, err
	}

	var all []types.WalEntry
	report := RecoveryReport{}
	for _, idx := range indices {
		path := filepath.Join(w.dir, fileName(idx))
		entries, fileReport, err := readWalFile(path, w.log)
		if err != nil {
			return all, report, err
		}
		all = append(all, entries...)
		report.Expected += fileReport.Expected
		report.Recovered += fileReport.Recovered
		if fileReport.StoppedEarly {
			report.StoppedEarly = true
		}
	}
	return all, report, nil
}

// readWalFile parses one WAL file, stopping at the first corrupt or
// truncated frame and reporting how many entries were recovered.
func readWalFile(path string, log *zap.Logger) ([]types.WalEntry, RecoveryReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, RecoveryReport{}, errs.Wrap(errs.Unavailable, err, "read WAL file %s", path)
	}
	if len(data) < 8 {
		return nil, RecoveryReport{}, errs.New(errs.Corruption, "WAL file %s too short for header", path)
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, RecoveryReport{}, errs.New(errs.Corruption, "WAL file %s has bad magic", path)
	}
	version := getU32(data[4:8])
	if version != Version {
		return nil, RecoveryReport{}, errs.New(errs.Corruption, "WAL file %s has unsupported version %d", path, version)
	}

	var entries []types.WalEntry
	report := RecoveryReport{}
	off := 8
	for {
		if off == len(data) {
			break
		}
		if off+4 > len(data) {
			log.Warn("WAL entry truncated (short length field)", zap.String("path", path))
			report.StoppedEarly = true
			break
		}
		length := getU32(data[off : off+4])
		report.Expected++
		if length > MaxFrameLen {
			log.Warn("WAL entry has unreasonable length, stopping recovery",
				zap.String("path", path), zap.Uint32("length", length))
			report.StoppedEarly = true
			break
		}
		frameEnd := off + 4 + int(length) + 4
		if frameEnd > len(data) {
			log.Warn("WAL entry truncated mid-entry, stopping recovery", zap.String("path", path))
			report.StoppedEarly = true
			break
		}
		payload := data[off+4 : off+4+int(length)]
		storedCRC := getU32(data[frameEnd-4 : frameEnd])
		gotCRC := crc32Of(data[off : off+4+int(length)])
		if gotCRC != storedCRC {
			log.Warn("WAL entry CRC mismatch, stopping recovery", zap.String("path", path))
			report.StoppedEarly = true
			break
		}
		entry, err := decodeEntry(payload)
		if err != nil {
			log.Warn("WAL entry failed to deserialize, stopping recovery", zap.String("path", path), zap.Error(err))
			report.StoppedEarly = true
			break
		}
		entries = append(entries, entry)
		report.Recovered++
		off = frameEnd
	}
	return entries, report, nil
}

// TruncateThrough deletes WAL files whose every entry has sequence <=
// through, per spec.md §4.1.
func (w *LocalWAL) TruncateThrough(through uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	indices, err := listFileIndices(w.dir)
	if err != nil {
		return err
	}
	for _, idx := range indices {
		if idx == w.fileIndex {
			continue // never delete the file we're actively appending to
		}
		path := filepath.Join(w.dir, fileName(idx))
		entries, _, err := readWalFile(path, w.log)
		if err != nil {
			continue
		}
		maxSeq, ok := maxSequenceOf(entries)
		if !ok || maxSeq > through {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.log.Warn("failed to truncate WAL file", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

// Close releases the active file handle.
func (w *LocalWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func crc32Of(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
