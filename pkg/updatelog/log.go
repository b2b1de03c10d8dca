package updatelog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxFileSize is the size at which the log rotates to a new file
	DefaultMaxFileSize = 64 << 20
)

// Log is an append-only update log spread over numbered files
// (<Path>.000, <Path>.001, ...)
type Log struct {
	// Path is the base path for log files (e.g., "/data/updates.log")
	Path string

	// MaxFileSize overrides DefaultMaxFileSize when positive
	MaxFileSize int64

	// mu protects everything below
	mu sync.Mutex

	fd        *os.File
	lsn       uint64
	fileSize  int64
	fileIndex int
	closed    bool
}

// Open opens or creates the log and recovers the last LSN
func (l *Log) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.Path), 0755); err != nil {
		return err
	}
	files, err := l.findLogFiles()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		l.fileIndex = 0
		l.lsn = 0
		return l.openFileNoLock(0)
	}

	index := l.indexOf(files[len(files)-1])
	maxLSN, skipped, err := scanForHighestLSN(files)
	if err != nil {
		return err
	}
	// Appending after a torn tail would hide the new entries from readers.
	if skipped > 0 {
		index++
	}
	l.lsn = maxLSN
	return l.openFileNoLock(index)
}

func (l *Log) openFileNoLock(index int) error {
	fd, err := os.OpenFile(l.logFilePath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	stat, err := fd.Stat()
	if err != nil {
		fd.Close()
		return err
	}
	l.fd = fd
	l.fileSize = stat.Size()
	l.fileIndex = index
	l.closed = false
	return nil
}

func (l *Log) maxFileSize() int64 {
	if l.MaxFileSize > 0 {
		return l.MaxFileSize
	}
	return DefaultMaxFileSize
}

// Append writes one update for docID and returns its LSN
func (l *Log) Append(docID string, update []byte) (uint64, error) {
	return l.write(Entry{OpType: OpUpdate, DocID: docID, Payload: update})
}

// AppendReset records that docID was replaced. Recovery ignores the
// document's earlier updates and any snapshot taken before the reset.
func (l *Log) AppendReset(docID string) (uint64, error) {
	return l.write(Entry{OpType: OpReset, DocID: docID})
}

func (l *Log) write(entry Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.fd == nil {
		return 0, ErrLogClosed
	}

	l.lsn++
	entry.LSN = l.lsn
	entry.Timestamp = time.Now()
	data := entry.Encode()

	if l.fileSize > 0 && l.fileSize+int64(len(data)) > l.maxFileSize() {
		if err := l.rotateNoLock(); err != nil {
			l.lsn--
			return 0, err
		}
	}

	n, err := l.fd.Write(data)
	l.fileSize += int64(n)
	if err != nil {
		l.lsn--
		return 0, err
	}
	return entry.LSN, nil
}

// LastLSN returns the LSN of the most recent entry
func (l *Log) LastLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lsn
}

// Sync flushes the current file to disk
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.fd == nil {
		return ErrLogClosed
	}
	return l.fd.Sync()
}

// Close closes the log
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.fd == nil {
		return nil
	}
	err := l.fd.Close()
	l.closed = true
	return err
}

// rotateNoLock moves writes to the next file (caller must hold mu). Old
// files are only removed by checkpoints.
func (l *Log) rotateNoLock() error {
	if err := l.fd.Sync(); err != nil {
		return err
	}
	if err := l.fd.Close(); err != nil {
		return err
	}
	return l.openFileNoLock(l.fileIndex + 1)
}

// Files returns all log files in order
func (l *Log) Files() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findLogFiles()
}

// removeBefore deletes every file with an index below index
func (l *Log) removeBefore(index int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := l.findLogFiles()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range files {
		if l.indexOf(f) >= index {
			break
		}
		if err := os.Remove(f); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (l *Log) currentIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fileIndex
}

func (l *Log) baseName() string {
	return filepath.Base(l.Path)
}

func (l *Log) logFilePath(index int) string {
	return filepath.Join(filepath.Dir(l.Path), fmt.Sprintf("%s.%03d", l.baseName(), index))
}

// indexOf parses the file index from a log file name, -1 if it is not one
func (l *Log) indexOf(path string) int {
	suffix, ok := strings.CutPrefix(filepath.Base(path), l.baseName()+".")
	if !ok {
		return -1
	}
	index, err := strconv.Atoi(suffix)
	if err != nil || index < 0 {
		return -1
	}
	return index
}

func (l *Log) findLogFiles() ([]string, error) {
	dir := filepath.Dir(l.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if !entry.IsDir() && l.indexOf(path) >= 0 {
			files = append(files, path)
		}
	}

	slices.SortFunc(files, func(a, b string) int { return l.indexOf(a) - l.indexOf(b) })
	return files, nil
}

// scanForHighestLSN reads every entry and returns the highest LSN and the
// number of files with an unreadable tail
func scanForHighestLSN(files []string) (uint64, int, error) {
	r := NewReader(files)
	defer r.Close()

	var maxLSN uint64
	for {
		entry, err := r.Next()
		if err == io.EOF {
			return maxLSN, r.Skipped, nil
		}
		if err != nil {
			return 0, 0, err
		}
		maxLSN = max(maxLSN, entry.LSN)
	}
}

func encodeMark(lsn uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, lsn)
}
