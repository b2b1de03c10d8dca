package updatelog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// OpType is the kind of a log entry
type OpType byte

const (
	// OpUpdate carries one encoded document update
	OpUpdate OpType = 1

	// OpCheckpoint marks that every update up to its mark is persisted
	// elsewhere
	OpCheckpoint OpType = 2

	// OpReset marks that the document was replaced; earlier updates for it
	// no longer apply
	OpReset OpType = 3
)

const (
	// EntryHeaderSize is the fixed size of the entry header
	// Layout: LSN(8) + OpType(1) + Reserved(3) + DocIDLen(4) + PayloadLen(4) + Timestamp(8)
	EntryHeaderSize = 28

	// maxEntrySize bounds lengths read from a header before allocating
	maxEntrySize = 256 << 20
)

// Entry is one record of the log
type Entry struct {
	LSN       uint64    // Log Sequence Number (monotonically increasing)
	OpType    OpType    // Operation type
	DocID     string    // Document the update belongs to (empty for checkpoints)
	Payload   []byte    // Encoded update, or the checkpoint mark
	Timestamp time.Time // Entry timestamp
}

// Encode serializes the entry with a trailing CRC32
// Format: [Header(28)] [DocID] [Payload] [CRC32(4)]
func (e *Entry) Encode() []byte {
	idLen := len(e.DocID)
	payloadLen := len(e.Payload)
	buf := make([]byte, e.Size())

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	buf[8] = byte(e.OpType)
	// bytes 9-11 are reserved
	binary.LittleEndian.PutUint32(buf[12:16], uint32(idLen))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(payloadLen))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(e.Timestamp.UnixNano()))

	offset := EntryHeaderSize
	copy(buf[offset:], e.DocID)
	offset += idLen
	copy(buf[offset:], e.Payload)
	offset += payloadLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)
	return buf
}

// bodyLen returns the bytes following a header, CRC included
func bodyLen(header []byte) (int, error) {
	idLen := binary.LittleEndian.Uint32(header[12:16])
	payloadLen := binary.LittleEndian.Uint32(header[16:20])
	n := uint64(idLen) + uint64(payloadLen) + 4
	if n > maxEntrySize {
		return 0, ErrCorrupted
	}
	return int(n), nil
}

// DecodeEntry deserializes one encoded entry
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}
	n, err := bodyLen(data)
	if err != nil {
		return nil, err
	}
	if len(data) < EntryHeaderSize+n {
		return nil, ErrTruncated
	}
	data = data[:EntryHeaderSize+n]

	end := len(data) - 4
	if binary.LittleEndian.Uint32(data[end:]) != crc32.ChecksumIEEE(data[:end]) {
		return nil, ErrCorrupted
	}

	idLen := int(binary.LittleEndian.Uint32(data[12:16]))
	entry := &Entry{
		LSN:       binary.LittleEndian.Uint64(data[0:8]),
		OpType:    OpType(data[8]),
		DocID:     string(data[EntryHeaderSize : EntryHeaderSize+idLen]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(data[20:28]))),
	}
	if payload := data[EntryHeaderSize+idLen : end]; len(payload) > 0 {
		entry.Payload = append([]byte(nil), payload...)
	}
	return entry, nil
}

// Size returns the encoded size of the entry
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.DocID) + len(e.Payload) + 4
}

// checkpointMark returns the LSN a checkpoint entry covers
func (e *Entry) checkpointMark() uint64 {
	if len(e.Payload) < 8 {
		return e.LSN
	}
	return binary.LittleEndian.Uint64(e.Payload)
}

func (e *Entry) String() string {
	opName := "UNKNOWN"
	switch e.OpType {
	case OpUpdate:
		opName = "UPDATE"
	case OpCheckpoint:
		opName = "CHECKPOINT"
	case OpReset:
		opName = "RESET"
	}
	return fmt.Sprintf("LOG[LSN=%d Op=%s Doc=%q PayloadLen=%d]", e.LSN, opName, e.DocID, len(e.Payload))
}
