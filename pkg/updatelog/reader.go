package updatelog

import (
	"errors"
	"io"
	"os"
)

// Reader reads entries across log files in order. A corrupted or torn
// entry ends its file; reading continues with the next one.
type Reader struct {
	files   []string
	current int
	fd      *os.File

	// Skipped counts files whose tail was unreadable
	Skipped int
}

// NewReader creates a reader over files
func NewReader(files []string) *Reader {
	return &Reader{files: files, current: -1}
}

// Next returns the next entry, or io.EOF after the last file
func (r *Reader) Next() (*Entry, error) {
	for {
		if r.fd == nil {
			if err := r.nextFile(); err != nil {
				return nil, err
			}
		}

		entry, err := r.readEntry()
		switch {
		case err == nil:
			return entry, nil
		case err == io.EOF:
			r.closeFile()
		case errors.Is(err, ErrCorrupted) || errors.Is(err, ErrTruncated) || err == io.ErrUnexpectedEOF:
			r.Skipped++
			r.closeFile()
		default:
			return nil, err
		}
	}
}

func (r *Reader) readEntry() (*Entry, error) {
	header := make([]byte, EntryHeaderSize)
	if _, err := io.ReadFull(r.fd, header); err != nil {
		return nil, err
	}
	n, err := bodyLen(header)
	if err != nil {
		return nil, err
	}
	data := make([]byte, EntryHeaderSize+n)
	copy(data, header)
	if _, err := io.ReadFull(r.fd, data[EntryHeaderSize:]); err != nil {
		return nil, err
	}
	return DecodeEntry(data)
}

func (r *Reader) nextFile() error {
	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}
	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}
	r.fd = fd
	return nil
}

func (r *Reader) closeFile() {
	if r.fd != nil {
		r.fd.Close()
		r.fd = nil
	}
}

// Close closes the reader
func (r *Reader) Close() error {
	r.closeFile()
	return nil
}

// ReadAll reads all entries from all files
func ReadAll(files []string) ([]*Entry, error) {
	if len(files) == 0 {
		return nil, ErrLogNotFound
	}
	reader := NewReader(files)
	defer reader.Close()

	var entries []*Entry
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
}
