// ABOUTME: Journal record framing with CRC32 integrity checks
// ABOUTME: Binary layout shared by the writer and the replayer

package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// Kind identifies what a journal record describes.
type Kind byte

const (
	// KindContextMutation records an accepted session context change
	KindContextMutation Kind = 1

	// KindDocumentOp records an accepted document operation
	KindDocumentOp Kind = 2

	// KindSnapshotAccept records acceptance of a remote snapshot
	KindSnapshotAccept Kind = 3

	// KindAck records acknowledgment of a version by all participants
	KindAck Kind = 4
)

// RecordHeaderSize is the fixed record header size.
// Layout: LSN(8) + Version(8) + Kind(1) + Reserved(7) + SessionIDLen(4) + PayloadLen(4) + Timestamp(8)
const RecordHeaderSize = 40

// Record is a single journal record. Version carries the session
// version the record brought the session to; replay walks records in
// LSN order and acknowledgments mark the resume point.
type Record struct {
	LSN       uint64
	Version   uint64
	Kind      Kind
	SessionID string
	Payload   []byte
	Timestamp time.Time
}

// Encode serializes the record with a trailing CRC32.
// Format: [Header(40)] [SessionID] [Payload] [CRC32(4)]
func (r *Record) Encode() []byte {
	idLen := len(r.SessionID)
	payloadLen := len(r.Payload)
	buf := make([]byte, RecordHeaderSize+idLen+payloadLen+4)

	binary.LittleEndian.PutUint64(buf[0:8], r.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], r.Version)
	buf[16] = byte(r.Kind)
	// bytes 17-23 reserved
	binary.LittleEndian.PutUint32(buf[24:28], uint32(idLen))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(payloadLen))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(r.Timestamp.Unix()))

	offset := RecordHeaderSize
	copy(buf[offset:], r.SessionID)
	offset += idLen
	copy(buf[offset:], r.Payload)
	offset += payloadLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)
	return buf
}

// DecodeRecord deserializes a record, verifying the checksum.
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) < RecordHeaderSize+4 {
		return nil, ErrTruncated
	}

	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	computed := crc32.ChecksumIEEE(data[:len(data)-4])
	if stored != computed {
		return nil, ErrCorrupted
	}

	r := &Record{
		LSN:     binary.LittleEndian.Uint64(data[0:8]),
		Version: binary.LittleEndian.Uint64(data[8:16]),
		Kind:    Kind(data[16]),
	}

	idLen := binary.LittleEndian.Uint32(data[24:28])
	payloadLen := binary.LittleEndian.Uint32(data[28:32])
	r.Timestamp = time.Unix(int64(binary.LittleEndian.Uint64(data[32:40])), 0)

	expected := RecordHeaderSize + int(idLen) + int(payloadLen) + 4
	if len(data) < expected {
		return nil, ErrTruncated
	}

	offset := RecordHeaderSize
	r.SessionID = string(data[offset : offset+int(idLen)])
	offset += int(idLen)
	if payloadLen > 0 {
		r.Payload = make([]byte, payloadLen)
		copy(r.Payload, data[offset:offset+int(payloadLen)])
	}

	return r, nil
}

// Size returns the encoded size of the record.
func (r *Record) Size() int {
	return RecordHeaderSize + len(r.SessionID) + len(r.Payload) + 4
}

// String returns a human-readable summary of the record.
func (r *Record) String() string {
	kind := "UNKNOWN"
	switch r.Kind {
	case KindContextMutation:
		kind = "MUTATION"
	case KindDocumentOp:
		kind = "DOC_OP"
	case KindSnapshotAccept:
		kind = "SNAPSHOT"
	case KindAck:
		kind = "ACK"
	}
	return fmt.Sprintf("Journal[LSN=%d Session=%s Kind=%s Version=%d]",
		r.LSN, r.SessionID, kind, r.Version)
}
