// Package framing reads and writes length-prefixed binary records.
//
// Every record starts with a big-endian uint32 holding its total length,
// header included. A record whose length is exactly 4 is the stop sentinel.
// Records of 16 bytes or more carry a big-endian uint64 timestamp in bytes
// [8:16).
package framing

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

// MaxRecordLength bounds a single record; anything larger is treated as a
// corrupt length header rather than allocated.
const MaxRecordLength = 64 << 20

var (
	// ErrBadLength is returned when a length header is below 4 or above MaxRecordLength
	ErrBadLength = errors.New("bad record length")

	// ErrShortRead is returned when the stream ends inside a record
	ErrShortRead = errors.New("short read")
)

// LengthError reports the offending length header
type LengthError struct {
	Length uint32
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("bad record length %d", e.Length)
}

func (e *LengthError) Unwrap() error {
	return ErrBadLength
}

// ========================================
// RECORD HELPERS
// ========================================

// EncodeStop returns a fresh copy of the canonical 4-byte stop sentinel
func EncodeStop() []byte {
	rec := make([]byte, types.STOP_LENGTH)
	binary.BigEndian.PutUint32(rec, types.STOP_LENGTH)
	return rec
}

// IsStop reports whether rec is exactly the stop sentinel
func IsStop(rec []byte) bool {
	return len(rec) == types.STOP_LENGTH && binary.BigEndian.Uint32(rec) == types.STOP_LENGTH
}

// Encode frames body by prepending its big-endian total length
func Encode(body []byte) []byte {
	rec := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(rec, uint32(len(rec)))
	copy(rec[4:], body)
	return rec
}

// Body returns the bytes following the length header
func Body(rec []byte) []byte {
	if len(rec) < 4 {
		return nil
	}
	return rec[4:]
}

// Timestamp returns the embedded logical timestamp; ok is false for records
// too short to carry one (including the stop sentinel)
func Timestamp(rec []byte) (ts uint64, ok bool) {
	if len(rec) < types.HEADER_LENGTH {
		return 0, false
	}
	return binary.BigEndian.Uint64(rec[8:16]), true
}

// ========================================
// READER
// ========================================

// Reader decodes consecutive records from a byte stream
type Reader struct {
	r     io.Reader
	count int
}

// NewReader wraps r. Unbuffered readers get a bufio layer.
func NewReader(r io.Reader) *Reader {
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReaderSize(r, 64*1024)
	}
	return &Reader{r: r}
}

// Count returns the number of records returned so far
func (fr *Reader) Count() int {
	return fr.count
}

// Next returns the next complete record.
//
// io.EOF is returned only at a clean record boundary. A stream that ends
// inside a header or body yields ErrShortRead; io.ReadFull keeps reading
// until the declared length is satisfied, so partial reads from pipes are
// never truncated.
func (fr *Reader) Next() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("record %d header: %w", fr.count, ErrShortRead)
		}
		return nil, fmt.Errorf("record %d header: %w", fr.count, err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length < types.STOP_LENGTH || length > MaxRecordLength {
		return nil, fmt.Errorf("record %d: %w", fr.count, &LengthError{Length: length})
	}

	rec := make([]byte, length)
	copy(rec, hdr[:])

	if length > types.STOP_LENGTH {
		if _, err := io.ReadFull(fr.r, rec[4:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("record %d body (%d bytes): %w", fr.count, length, ErrShortRead)
			}
			return nil, fmt.Errorf("record %d body: %w", fr.count, err)
		}
	}

	fr.count++
	return rec, nil
}

// ReadAll reads records until EOF
func ReadAll(r io.Reader) ([][]byte, error) {
	fr := NewReader(r)

	var records [][]byte
	for {
		rec, err := fr.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

// ========================================
// WRITER
// ========================================

// Writer writes framed records to an underlying stream
type Writer struct {
	w     *bufio.Writer
	count int
}

// NewWriter wraps w with a buffer; call Flush before closing w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 64*1024)}
}

// Write writes one already-framed record after checking its header
func (fw *Writer) Write(rec []byte) error {
	if len(rec) < types.STOP_LENGTH {
		return fmt.Errorf("write: %w", &LengthError{Length: uint32(len(rec))})
	}
	if declared := binary.BigEndian.Uint32(rec); int(declared) != len(rec) {
		return fmt.Errorf("write: header says %d bytes, record has %d: %w", declared, len(rec), ErrBadLength)
	}

	if _, err := fw.w.Write(rec); err != nil {
		return fmt.Errorf("write record %d: %w", fw.count, err)
	}
	fw.count++
	return nil
}

// WriteStop writes the stop sentinel
func (fw *Writer) WriteStop() error {
	return fw.Write(EncodeStop())
}

// Flush flushes buffered records
func (fw *Writer) Flush() error {
	return fw.w.Flush()
}

// Count returns the number of records written
func (fw *Writer) Count() int {
	return fw.count
}
