// ABOUTME: Append-only session journal with rotation and replay
// ABOUTME: Resume point is the highest acknowledged session version

package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// MaxSegmentSize is the rotation threshold for a single segment (64MB)
	MaxSegmentSize = 64 << 20

	// MaxSegments is how many rotated segments to retain
	MaxSegments = 3
)

// Journal is an append-only record log. One journal serves all
// sessions of a coordinator; records carry their session id.
type Journal struct {
	// Path is the base path for journal segments (e.g. "/data/session.journal")
	Path string

	mu        sync.Mutex
	fd        *os.File
	lsn       uint64
	segSize   int64
	segIndex  int
	closed    bool
}

// Open opens or creates the journal, resuming the LSN counter from
// existing segments.
func (j *Journal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	segments, err := j.findSegments()
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	if len(segments) > 0 {
		latest := segments[len(segments)-1]
		fd, err := os.OpenFile(latest, os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		j.fd = fd

		stat, err := fd.Stat()
		if err != nil {
			return err
		}
		j.segSize = stat.Size()

		if _, err := fmt.Sscanf(filepath.Base(latest), j.baseName()+".%d", &j.segIndex); err != nil {
			j.segIndex = 0
		}

		maxLSN, err := j.scanHighestLSN(segments)
		if err != nil {
			return err
		}
		atomic.StoreUint64(&j.lsn, maxLSN)
	} else {
		path := j.segmentPath(0)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		j.fd = fd
		j.segSize = 0
		j.segIndex = 0
		atomic.StoreUint64(&j.lsn, 0)
	}

	j.closed = false
	return nil
}

// Append writes a record for the given session, assigning its LSN.
func (j *Journal) Append(sessionID string, kind Kind, version uint64, payload []byte) (*Record, error) {
	r := &Record{
		LSN:       atomic.AddUint64(&j.lsn, 1),
		Version:   version,
		Kind:      kind,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrJournalClosed
	}

	data := r.Encode()
	if j.segSize+int64(len(data)) > MaxSegmentSize {
		if err := j.rotateNoLock(); err != nil {
			return nil, err
		}
	}

	n, err := j.fd.Write(data)
	if err != nil {
		return nil, err
	}
	j.segSize += int64(n)
	return r, nil
}

// LSN returns the last assigned log sequence number. It only grows, so
// deltas between reads count records appended.
func (j *Journal) LSN() uint64 {
	return atomic.LoadUint64(&j.lsn)
}

// Size returns the current segment size in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.segSize
}

// Sync flushes appended records to disk.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	return j.fd.Sync()
}

// Close closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	err := j.fd.Close()
	j.closed = true
	return err
}

// Replay walks every retained record in LSN order. Corrupted records
// stop replay of their segment; earlier records stand and later
// segments still replay.
func (j *Journal) Replay(fn func(*Record) error) error {
	j.mu.Lock()
	segments, err := j.findSegments()
	j.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, seg := range segments {
		fd, err := os.Open(seg)
		if err != nil {
			return err
		}

		for {
			r, err := readRecord(fd)
			if err == io.EOF {
				break
			}
			if err == ErrCorrupted || err == ErrTruncated || err == ErrInvalidRecord {
				// Damaged tail ends this segment only.
				break
			}
			if err != nil {
				fd.Close()
				return err
			}
			if err := fn(r); err != nil {
				fd.Close()
				return err
			}
		}
		fd.Close()
	}
	return nil
}

// LastAcknowledged returns the highest session version with an ack
// record per session. Sessions without acks are absent from the map.
func (j *Journal) LastAcknowledged() (map[string]uint64, error) {
	acked := make(map[string]uint64)
	err := j.Replay(func(r *Record) error {
		if r.Kind == KindAck && r.Version > acked[r.SessionID] {
			acked[r.SessionID] = r.Version
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acked, nil
}

func (j *Journal) rotateNoLock() error {
	if err := j.fd.Sync(); err != nil {
		return err
	}
	if err := j.fd.Close(); err != nil {
		return err
	}

	j.segIndex++
	fd, err := os.OpenFile(j.segmentPath(j.segIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	j.fd = fd
	j.segSize = 0

	return j.dropOldSegmentsNoLock()
}

func (j *Journal) dropOldSegmentsNoLock() error {
	segments, err := j.findSegments()
	if err != nil {
		return err
	}
	if len(segments) > MaxSegments {
		for _, s := range segments[:len(segments)-MaxSegments] {
			os.Remove(s)
		}
	}
	return nil
}

func (j *Journal) baseName() string {
	return filepath.Base(j.Path)
}

func (j *Journal) segmentPath(index int) string {
	return filepath.Join(filepath.Dir(j.Path), fmt.Sprintf("%s.%03d", j.baseName(), index))
}

// findSegments returns all journal segments sorted by index.
func (j *Journal) findSegments() ([]string, error) {
	dir := filepath.Dir(j.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var segments []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(entry.Name(), j.baseName()+".%d", &idx); err == nil {
			segments = append(segments, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Slice(segments, func(a, b int) bool {
		var ia, ib int
		fmt.Sscanf(filepath.Base(segments[a]), j.baseName()+".%d", &ia)
		fmt.Sscanf(filepath.Base(segments[b]), j.baseName()+".%d", &ib)
		return ia < ib
	})
	return segments, nil
}

func (j *Journal) scanHighestLSN(segments []string) (uint64, error) {
	var max uint64
	for _, seg := range segments {
		fd, err := os.Open(seg)
		if err != nil {
			return 0, err
		}
		for {
			r, err := readRecord(fd)
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
			if r.LSN > max {
				max = r.LSN
			}
		}
		fd.Close()
	}
	return max, nil
}

// readRecord reads one framed record from the reader.
func readRecord(r io.Reader) (*Record, error) {
	header := make([]byte, RecordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	idLen := binary.LittleEndian.Uint32(header[24:28])
	payloadLen := binary.LittleEndian.Uint32(header[28:32])
	if int64(idLen)+int64(payloadLen) > MaxSegmentSize {
		// Lengths this large cannot have been written by Append; the
		// header bytes are garbage, not a big record.
		return nil, ErrInvalidRecord
	}

	rest := int(idLen) + int(payloadLen) + 4
	data := make([]byte, RecordHeaderSize+rest)
	copy(data, header)
	if _, err := io.ReadFull(r, data[RecordHeaderSize:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	return DecodeRecord(data)
}
