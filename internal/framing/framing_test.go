package framing_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/dglo/trigger-testbed-sub000/internal/framing"
)

func makeRecord(ts uint64, size int) []byte {
	rec := make([]byte, size)
	binary.BigEndian.PutUint32(rec, uint32(size))
	if size >= 16 {
		binary.BigEndian.PutUint64(rec[8:16], ts)
	}
	for i := 16; i < size; i++ {
		rec[i] = byte(i)
	}
	return rec
}

// ====================================================================================
// STOP SENTINEL TESTS
// ====================================================================================

func TestStopSentinel(t *testing.T) {
	t.Run("EncodeStopIsStop", func(t *testing.T) {
		if !framing.IsStop(framing.EncodeStop()) {
			t.Fatal("IsStop(EncodeStop()) = false")
		}
	})

	t.Run("EncodeStopReturnsCopy", func(t *testing.T) {
		a := framing.EncodeStop()
		a[3] = 9
		if !framing.IsStop(framing.EncodeStop()) {
			t.Fatal("EncodeStop shares its backing array")
		}
	})

	tests := []struct {
		name string
		rec  []byte
	}{
		{"Nil", nil},
		{"Empty", []byte{}},
		{"ThreeBytes", []byte{0, 0, 4}},
		{"WrongValue", []byte{0, 0, 0, 5}},
		{"LongerRecord", makeRecord(1, 20)},
		{"FourPlusPadding", []byte{0, 0, 0, 4, 0}},
	}

	for _, tt := range tests {
		t.Run("NotStop/"+tt.name, func(t *testing.T) {
			if framing.IsStop(tt.rec) {
				t.Errorf("IsStop(%v) = true", tt.rec)
			}
		})
	}
}

// ====================================================================================
// ROUND TRIP TESTS
// ====================================================================================

func TestRoundTrip(t *testing.T) {
	records := [][]byte{
		makeRecord(1000, 20),
		makeRecord(2000, 38),
		makeRecord(0, 8),
		makeRecord(3000, 16),
		framing.EncodeStop(),
	}

	var buf bytes.Buffer
	w := framing.NewWriter(&buf)
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if w.Count() != len(records) {
		t.Errorf("writer count = %d, want %d", w.Count(), len(records))
	}

	got, err := framing.ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if !bytes.Equal(got[i], records[i]) {
			t.Errorf("record %d differs: got %v, want %v", i, got[i], records[i])
		}
	}
}

func TestEncodeBody(t *testing.T) {
	body := []byte{1, 2, 3, 4, 5}
	rec := framing.Encode(body)

	if len(rec) != 9 {
		t.Fatalf("len = %d, want 9", len(rec))
	}
	if binary.BigEndian.Uint32(rec) != 9 {
		t.Errorf("header = %d, want 9", binary.BigEndian.Uint32(rec))
	}
	if !bytes.Equal(framing.Body(rec), body) {
		t.Errorf("Body = %v, want %v", framing.Body(rec), body)
	}
}

func TestTimestamp(t *testing.T) {
	tests := []struct {
		name   string
		rec    []byte
		wantTS uint64
		wantOK bool
	}{
		{"Stop", framing.EncodeStop(), 0, false},
		{"TooShort", makeRecord(77, 15), 0, false},
		{"Minimal", makeRecord(77, 16), 77, true},
		{"Hit", makeRecord(1000, 38), 1000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, ok := framing.Timestamp(tt.rec)
			if ts != tt.wantTS || ok != tt.wantOK {
				t.Errorf("Timestamp = (%d, %v), want (%d, %v)", ts, ok, tt.wantTS, tt.wantOK)
			}
		})
	}
}

// ====================================================================================
// ERROR TESTS
// ====================================================================================

func TestReaderErrors(t *testing.T) {
	t.Run("CleanEOF", func(t *testing.T) {
		r := framing.NewReader(bytes.NewReader(nil))
		if _, err := r.Next(); err != io.EOF {
			t.Errorf("err = %v, want io.EOF", err)
		}
	})

	t.Run("BadLength", func(t *testing.T) {
		for _, length := range []uint32{0, 1, 3, framing.MaxRecordLength + 1} {
			var hdr [4]byte
			binary.BigEndian.PutUint32(hdr[:], length)

			r := framing.NewReader(bytes.NewReader(hdr[:]))
			_, err := r.Next()
			if !errors.Is(err, framing.ErrBadLength) {
				t.Errorf("length %d: err = %v, want ErrBadLength", length, err)
			}

			var lerr *framing.LengthError
			if !errors.As(err, &lerr) || lerr.Length != length {
				t.Errorf("length %d: LengthError not reported", length)
			}
		}
	})

	t.Run("TruncatedHeader", func(t *testing.T) {
		r := framing.NewReader(bytes.NewReader([]byte{0, 0}))
		if _, err := r.Next(); !errors.Is(err, framing.ErrShortRead) {
			t.Errorf("err = %v, want ErrShortRead", err)
		}
	})

	t.Run("TruncatedBody", func(t *testing.T) {
		rec := makeRecord(5, 20)
		r := framing.NewReader(bytes.NewReader(rec[:12]))
		if _, err := r.Next(); !errors.Is(err, framing.ErrShortRead) {
			t.Errorf("err = %v, want ErrShortRead", err)
		}
	})

	t.Run("WriterRejectsMismatchedHeader", func(t *testing.T) {
		rec := makeRecord(5, 20)
		binary.BigEndian.PutUint32(rec, 24)

		w := framing.NewWriter(io.Discard)
		if err := w.Write(rec); !errors.Is(err, framing.ErrBadLength) {
			t.Errorf("err = %v, want ErrBadLength", err)
		}
	})
}

func TestReaderPartialReads(t *testing.T) {
	// A reader that returns one byte per call must still produce whole records
	var buf bytes.Buffer
	recs := [][]byte{makeRecord(10, 40), makeRecord(20, 24), framing.EncodeStop()}
	for _, rec := range recs {
		buf.Write(rec)
	}

	r := framing.NewReader(iotest.OneByteReader(&buf))
	for i, want := range recs {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("record %d mismatch", i)
		}
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("final err = %v, want io.EOF", err)
	}
	if r.Count() != len(recs) {
		t.Errorf("Count = %d, want %d", r.Count(), len(recs))
	}
}
