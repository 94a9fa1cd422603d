// Package payload is a minimal decoder for the binary records replayed by
// the testbed: single-DOM hits and (possibly nested) trigger requests.
//
// Common header, big-endian:
//
//	[0:4]   total length
//	[4:8]   payload type
//	[8:16]  UTC time
package payload

import "fmt"

// Payload types
const (
	TypeHit            = 1
	TypeTriggerRequest = 9
)

// Sentinels shared by the trigger system
const (
	UnsetConfigID = -1
	UnsetType     = -1
	NoDOM         = int64(-1)

	// TypeThroughput is the trigger type of throughput (pass-everything) requests
	TypeThroughput = 23
)

// Source IDs
const (
	SourceInIceTrigger  = 4000
	SourceIceTopTrigger = 5000
	SourceGlobalTrigger = 6000
	SourceStringHub     = 12000
)

// Readout element types
const (
	ReadoutGlobal   = 0
	ReadoutIIGlobal = 1
	ReadoutITGlobal = 2
	ReadoutIIString = 3
	ReadoutIIModule = 4
	ReadoutITModule = 5
)

const (
	headerLength         = 16
	hitLength            = 38
	triggerRequestHeader = 48
	readoutHeader        = 12
	elementLength        = 32
)

// Payload is a decoded record
type Payload interface {
	PayloadType() int
	Timestamp() uint64
}

// Composite payloads contain other payloads
type Composite interface {
	Payload
	Children() []Payload
}

// Hit is a single DOM hit
type Hit struct {
	UTCTime     uint64
	TriggerType int32
	ConfigID    int32
	SourceID    int32
	DOMID       int64
	TriggerMode int16
}

func (h *Hit) PayloadType() int  { return TypeHit }
func (h *Hit) Timestamp() uint64 { return h.UTCTime }

func (h *Hit) String() string {
	return fmt.Sprintf("Hit@%d[dom %012x src %d type %d cfg %d mode %d]",
		h.UTCTime, uint64(h.DOMID), h.SourceID, h.TriggerType, h.ConfigID, h.TriggerMode)
}

// Element is one time range of a readout request
type Element struct {
	ReadoutType uint32
	SourceID    int32
	FirstTime   uint64
	LastTime    uint64
	DOMID       int64
}

func (e Element) String() string {
	dom := "-"
	if e.DOMID != NoDOM {
		dom = fmt.Sprintf("%012x", uint64(e.DOMID))
	}
	return fmt.Sprintf("Elem[%s src %d %d-%d dom %s]", ReadoutTypeName(e.ReadoutType), e.SourceID, e.FirstTime, e.LastTime, dom)
}

// ReadoutRequest describes what the trigger wants read out
type ReadoutRequest struct {
	UID      int32
	SourceID int32
	Elements []Element
}

// TriggerRequest is a trigger decision; merged requests nest other requests
type TriggerRequest struct {
	UTCTime     uint64
	UID         int32
	TriggerType int32
	ConfigID    int32
	SourceID    int32
	FirstTime   uint64
	LastTime    uint64
	Request     *ReadoutRequest
	Payloads    []Payload
}

func (tr *TriggerRequest) PayloadType() int    { return TypeTriggerRequest }
func (tr *TriggerRequest) Timestamp() uint64   { return tr.UTCTime }
func (tr *TriggerRequest) Children() []Payload { return tr.Payloads }

func (tr *TriggerRequest) String() string {
	return fmt.Sprintf("TrigReq@%d[uid %d src %d type %d cfg %d %d-%d]",
		tr.UTCTime, tr.UID, tr.SourceID, tr.TriggerType, tr.ConfigID, tr.FirstTime, tr.LastTime)
}

// Raw is any payload type this package does not interpret
type Raw struct {
	Type    int
	UTCTime uint64
	Bytes   []byte
}

func (r *Raw) PayloadType() int  { return r.Type }
func (r *Raw) Timestamp() uint64 { return r.UTCTime }

func (r *Raw) String() string {
	return fmt.Sprintf("Raw@%d[type %d, %d bytes]", r.UTCTime, r.Type, len(r.Bytes))
}

// ReadoutTypeName returns a short name for a readout element type
func ReadoutTypeName(rdoutType uint32) string {
	switch rdoutType {
	case ReadoutGlobal:
		return "GLOBAL"
	case ReadoutIIGlobal:
		return "II_GLOBAL"
	case ReadoutITGlobal:
		return "IT_GLOBAL"
	case ReadoutIIString:
		return "II_STRING"
	case ReadoutIIModule:
		return "II_MODULE"
	case ReadoutITModule:
		return "IT_MODULE"
	default:
		return fmt.Sprintf("UNKNOWN#%d", rdoutType)
	}
}
