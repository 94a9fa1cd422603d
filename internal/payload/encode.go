package payload

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes p into a framed record
func Encode(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case *Hit:
		return EncodeHit(v), nil
	case *TriggerRequest:
		return EncodeTriggerRequest(v)
	case *Raw:
		out := make([]byte, len(v.Bytes))
		copy(out, v.Bytes)
		return out, nil
	}
	return nil, fmt.Errorf("cannot encode %T", p)
}

func putHeader(buf []byte, ptype int, utc uint64) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(ptype))
	binary.BigEndian.PutUint64(buf[8:16], utc)
}

// EncodeHit serializes a hit
func EncodeHit(h *Hit) []byte {
	buf := make([]byte, hitLength)
	putHeader(buf, TypeHit, h.UTCTime)
	binary.BigEndian.PutUint32(buf[16:20], uint32(h.TriggerType))
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.ConfigID))
	binary.BigEndian.PutUint32(buf[24:28], uint32(h.SourceID))
	binary.BigEndian.PutUint64(buf[28:36], uint64(h.DOMID))
	binary.BigEndian.PutUint16(buf[36:38], uint16(h.TriggerMode))
	return buf
}

// EncodeTriggerRequest serializes a trigger request and its nested payloads
func EncodeTriggerRequest(tr *TriggerRequest) ([]byte, error) {
	children := make([][]byte, len(tr.Payloads))
	childBytes := 0
	for i, p := range tr.Payloads {
		enc, err := Encode(p)
		if err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}
		children[i] = enc
		childBytes += len(enc)
	}

	rr := tr.Request
	if rr == nil {
		rr = &ReadoutRequest{UID: tr.UID, SourceID: tr.SourceID}
	}

	size := triggerRequestHeader + readoutHeader + len(rr.Elements)*elementLength + 4 + childBytes
	buf := make([]byte, size)
	putHeader(buf, TypeTriggerRequest, tr.UTCTime)
	binary.BigEndian.PutUint32(buf[16:20], uint32(tr.UID))
	binary.BigEndian.PutUint32(buf[20:24], uint32(tr.TriggerType))
	binary.BigEndian.PutUint32(buf[24:28], uint32(tr.ConfigID))
	binary.BigEndian.PutUint32(buf[28:32], uint32(tr.SourceID))
	binary.BigEndian.PutUint64(buf[32:40], tr.FirstTime)
	binary.BigEndian.PutUint64(buf[40:48], tr.LastTime)

	pos := triggerRequestHeader
	binary.BigEndian.PutUint32(buf[pos:], uint32(rr.UID))
	binary.BigEndian.PutUint32(buf[pos+4:], uint32(rr.SourceID))
	binary.BigEndian.PutUint32(buf[pos+8:], uint32(len(rr.Elements)))
	pos += readoutHeader

	for _, e := range rr.Elements {
		binary.BigEndian.PutUint32(buf[pos:], e.ReadoutType)
		binary.BigEndian.PutUint32(buf[pos+4:], uint32(e.SourceID))
		binary.BigEndian.PutUint64(buf[pos+8:], e.FirstTime)
		binary.BigEndian.PutUint64(buf[pos+16:], e.LastTime)
		binary.BigEndian.PutUint64(buf[pos+24:], uint64(e.DOMID))
		pos += elementLength
	}

	binary.BigEndian.PutUint32(buf[pos:], uint32(len(children)))
	pos += 4
	for _, c := range children {
		pos += copy(buf[pos:], c)
	}

	return buf, nil
}
