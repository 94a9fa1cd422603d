package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrDecode marks a record that could not be interpreted
var ErrDecode = errors.New("decode failed")

// Decoder turns a framed record into a Payload
type Decoder interface {
	Decode(rec []byte) (Payload, error)
}

// DefaultDecoder understands hits and trigger requests; everything else
// decodes to Raw
type DefaultDecoder struct{}

// Decode implements Decoder
func (DefaultDecoder) Decode(rec []byte) (Payload, error) {
	p, _, err := decodeAt(rec, 0)
	return p, err
}

func decodeErr(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, v...))
}

// decodeAt decodes the payload starting at buf[off] and returns the offset
// just past it
func decodeAt(buf []byte, off int) (Payload, int, error) {
	if len(buf)-off < headerLength {
		return nil, off, decodeErr("%d bytes at offset %d is shorter than a payload header", len(buf)-off, off)
	}

	length := int(binary.BigEndian.Uint32(buf[off:]))
	if length < headerLength || off+length > len(buf) {
		return nil, off, decodeErr("declared length %d at offset %d overruns %d-byte buffer", length, off, len(buf))
	}

	rec := buf[off : off+length]
	ptype := int(binary.BigEndian.Uint32(rec[4:8]))
	utc := binary.BigEndian.Uint64(rec[8:16])

	switch ptype {
	case TypeHit:
		if length != hitLength {
			return nil, off, decodeErr("hit length %d, expected %d", length, hitLength)
		}
		return &Hit{
			UTCTime:     utc,
			TriggerType: int32(binary.BigEndian.Uint32(rec[16:20])),
			ConfigID:    int32(binary.BigEndian.Uint32(rec[20:24])),
			SourceID:    int32(binary.BigEndian.Uint32(rec[24:28])),
			DOMID:       int64(binary.BigEndian.Uint64(rec[28:36])),
			TriggerMode: int16(binary.BigEndian.Uint16(rec[36:38])),
		}, off + length, nil

	case TypeTriggerRequest:
		tr, err := decodeTriggerRequest(rec, utc)
		if err != nil {
			return nil, off, err
		}
		return tr, off + length, nil
	}

	raw := make([]byte, length)
	copy(raw, rec)
	return &Raw{Type: ptype, UTCTime: utc, Bytes: raw}, off + length, nil
}

func decodeTriggerRequest(rec []byte, utc uint64) (*TriggerRequest, error) {
	if len(rec) < triggerRequestHeader+readoutHeader+4 {
		return nil, decodeErr("trigger request length %d is too short", len(rec))
	}

	tr := &TriggerRequest{
		UTCTime:     utc,
		UID:         int32(binary.BigEndian.Uint32(rec[16:20])),
		TriggerType: int32(binary.BigEndian.Uint32(rec[20:24])),
		ConfigID:    int32(binary.BigEndian.Uint32(rec[24:28])),
		SourceID:    int32(binary.BigEndian.Uint32(rec[28:32])),
		FirstTime:   binary.BigEndian.Uint64(rec[32:40]),
		LastTime:    binary.BigEndian.Uint64(rec[40:48]),
	}

	pos := triggerRequestHeader
	rr := &ReadoutRequest{
		UID:      int32(binary.BigEndian.Uint32(rec[pos:])),
		SourceID: int32(binary.BigEndian.Uint32(rec[pos+4:])),
	}
	numElems := int(binary.BigEndian.Uint32(rec[pos+8:]))
	pos += readoutHeader

	if numElems < 0 || pos+numElems*elementLength+4 > len(rec) {
		return nil, decodeErr("trigger request uid %d claims %d readout elements", tr.UID, numElems)
	}

	if numElems > 0 {
		rr.Elements = make([]Element, numElems)
	}
	for i := range rr.Elements {
		rr.Elements[i] = Element{
			ReadoutType: binary.BigEndian.Uint32(rec[pos:]),
			SourceID:    int32(binary.BigEndian.Uint32(rec[pos+4:])),
			FirstTime:   binary.BigEndian.Uint64(rec[pos+8:]),
			LastTime:    binary.BigEndian.Uint64(rec[pos+16:]),
			DOMID:       int64(binary.BigEndian.Uint64(rec[pos+24:])),
		}
		pos += elementLength
	}
	tr.Request = rr

	numPayloads := int(binary.BigEndian.Uint32(rec[pos:]))
	pos += 4

	for i := 0; i < numPayloads; i++ {
		child, next, err := decodeAt(rec, pos)
		if err != nil {
			return nil, fmt.Errorf("trigger request uid %d payload %d: %w", tr.UID, i, err)
		}
		tr.Payloads = append(tr.Payloads, child)
		pos = next
	}

	if pos != len(rec) {
		return nil, decodeErr("trigger request uid %d has %d trailing bytes", tr.UID, len(rec)-pos)
	}

	return tr, nil
}
