// Package compare decides whether two payload trees are semantically
// equivalent. Children of composite payloads are matched without regard to
// order, and a handful of trigger-system quirks (renumbered UIDs, split
// global readout elements) are tolerated.
package compare

import (
	"bytes"
	"fmt"

	"github.com/dglo/trigger-testbed-sub000/internal/payload"
	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

// Config controls comparator behaviour
type Config struct {
	// GlobalSourceID is the aggregate source whose UIDs must always match
	GlobalSourceID int32
	// ThroughputType is the trigger type whose UIDs need only be non-negative
	ThroughputType int32
	// MergeElements folds split global readout elements before matching
	MergeElements bool
	Logger        types.Logger
}

// DefaultConfig returns the standard comparator settings
func DefaultConfig() *Config {
	return &Config{
		GlobalSourceID: payload.SourceGlobalTrigger,
		ThroughputType: payload.TypeThroughput,
		MergeElements:  true,
	}
}

// Comparator compares payload trees. It holds no mutable state.
type Comparator struct {
	config *Config
	logger types.Logger
}

// New creates a comparator; a nil config selects DefaultConfig
func New(config *Config) *Comparator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Comparator{
		config: config,
		logger: types.OrNop(config.Logger),
	}
}

// Equal reports whether exp and act are equivalent
func (c *Comparator) Equal(exp, act payload.Payload) bool {
	return c.Compare(exp, act) == nil
}

// Compare returns nil when exp and act are equivalent, otherwise the first
// mismatch found
func (c *Comparator) Compare(exp, act payload.Payload) *Mismatch {
	m := c.comparePayload("", exp, act)
	if m != nil {
		m.expRoot = exp
		m.actRoot = act
	}
	return m
}

func (c *Comparator) comparePayload(path string, exp, act payload.Payload) *Mismatch {
	if exp == nil || act == nil {
		if exp == nil && act == nil {
			return nil
		}
		return structMismatch(path, "expected %v, got %v", describe(exp), describe(act))
	}

	if exp.PayloadType() != act.PayloadType() {
		return fieldMismatch(path, "type", exp.PayloadType(), act.PayloadType())
	}

	switch e := exp.(type) {
	case *payload.Hit:
		a, ok := act.(*payload.Hit)
		if !ok {
			return structMismatch(path, "expected hit, got %T", act)
		}
		return compareHit(join(path, "Hit@%d", e.UTCTime), e, a, false)

	case *payload.TriggerRequest:
		a, ok := act.(*payload.TriggerRequest)
		if !ok {
			return structMismatch(path, "expected trigger request, got %T", act)
		}
		return c.compareRequest(join(path, "TrigReq#%d", e.UID), e, a)

	case *payload.Raw:
		a, ok := act.(*payload.Raw)
		if !ok {
			return structMismatch(path, "expected raw payload, got %T", act)
		}
		p := join(path, "Raw@%d", e.UTCTime)
		if e.UTCTime != a.UTCTime {
			return fieldMismatch(p, "timestamp", e.UTCTime, a.UTCTime)
		}
		if !bytes.Equal(e.Bytes, a.Bytes) {
			return structMismatch(p, "payload bytes differ (%d vs %d bytes)", len(e.Bytes), len(a.Bytes))
		}
		return nil

	default:
		if exp.Timestamp() != act.Timestamp() {
			return fieldMismatch(path, "timestamp", exp.Timestamp(), act.Timestamp())
		}
		return nil
	}
}

// compareHit checks every hit field; ignoreDOM skips the device ID for hits
// paired by time alone
func compareHit(path string, exp, act *payload.Hit, ignoreDOM bool) *Mismatch {
	switch {
	case exp.UTCTime != act.UTCTime:
		return fieldMismatch(path, "timestamp", exp.UTCTime, act.UTCTime)
	case exp.SourceID != act.SourceID:
		return fieldMismatch(path, "sourceId", exp.SourceID, act.SourceID)
	case !ignoreDOM && exp.DOMID != act.DOMID:
		return fieldMismatch(path, "domId", fmt.Sprintf("%012x", uint64(exp.DOMID)), fmt.Sprintf("%012x", uint64(act.DOMID)))
	case exp.TriggerType != act.TriggerType:
		return fieldMismatch(path, "triggerType", exp.TriggerType, act.TriggerType)
	case exp.ConfigID != act.ConfigID:
		return fieldMismatch(path, "configId", exp.ConfigID, act.ConfigID)
	case exp.TriggerMode != act.TriggerMode:
		return fieldMismatch(path, "triggerMode", exp.TriggerMode, act.TriggerMode)
	}
	return nil
}

func (c *Comparator) compareRequest(path string, exp, act *payload.TriggerRequest) *Mismatch {
	if exp.UTCTime != act.UTCTime {
		return fieldMismatch(path, "timestamp", exp.UTCTime, act.UTCTime)
	}
	if m := c.compareUID(path, "uid", exp, exp.UID, act.UID); m != nil {
		return m
	}
	if exp.TriggerType != act.TriggerType {
		return fieldMismatch(path, "triggerType", exp.TriggerType, act.TriggerType)
	}
	if exp.ConfigID != act.ConfigID {
		return fieldMismatch(path, "configId", exp.ConfigID, act.ConfigID)
	}
	if exp.SourceID != act.SourceID {
		return fieldMismatch(path, "sourceId", exp.SourceID, act.SourceID)
	}
	if exp.FirstTime != act.FirstTime {
		return fieldMismatch(path, "firstTime", exp.FirstTime, act.FirstTime)
	}
	if exp.LastTime != act.LastTime {
		return fieldMismatch(path, "lastTime", exp.LastTime, act.LastTime)
	}

	if m := c.compareReadout(path+"/readout", exp, act); m != nil {
		return m
	}

	return c.compareChildren(path, exp.Payloads, act.Payloads)
}

// compareUID applies the UID rule. Aggregate requests (unset config ID,
// unset or throughput type) are renumbered by the system under test, so
// their UIDs are only checked for the global source (exact) or the
// throughput type (non-negative).
func (c *Comparator) compareUID(path, field string, owner *payload.TriggerRequest, exp, act int32) *Mismatch {
	aggregate := owner.UID >= 0 &&
		owner.ConfigID == payload.UnsetConfigID &&
		(owner.TriggerType == payload.UnsetType || owner.TriggerType == c.config.ThroughputType)

	if !aggregate {
		if exp != act {
			return fieldMismatch(path, field, exp, act)
		}
		return nil
	}

	if owner.SourceID == c.config.GlobalSourceID {
		if exp != act {
			return fieldMismatch(path, field, exp, act)
		}
	} else if owner.TriggerType == c.config.ThroughputType && act < 0 {
		return &Mismatch{Path: path, Field: field, Expected: ">= 0", Actual: act, Reason: "throughput request UID must be non-negative"}
	}
	return nil
}

func (c *Comparator) compareReadout(path string, exp, act *payload.TriggerRequest) *Mismatch {
	er, ar := exp.Request, act.Request
	if er == nil || ar == nil {
		if er == nil && ar == nil {
			return nil
		}
		return structMismatch(path, "readout request present on only one side")
	}
	if m := c.compareUID(path, "uid", exp, er.UID, ar.UID); m != nil {
		return m
	}
	if er.SourceID != ar.SourceID {
		return fieldMismatch(path, "sourceId", er.SourceID, ar.SourceID)
	}
	return c.compareElements(path, er.Elements, ar.Elements)
}

// CompareElements matches two readout element lists without regard to order
func (c *Comparator) CompareElements(exp, act []payload.Element) *Mismatch {
	return c.compareElements("", exp, act)
}

func (c *Comparator) compareElements(path string, exp, act []payload.Element) *Mismatch {
	if len(exp) != len(act) && c.config.MergeElements {
		exp = MergeElements(exp)
	}
	if len(exp) != len(act) {
		return fieldMismatch(path, "elements", len(exp), len(act))
	}

	remaining := append([]payload.Element(nil), act...)
	for i, e := range exp {
		found := -1
		for j, a := range remaining {
			if e == a {
				found = j
				break
			}
		}
		if found < 0 {
			best := closestElement(e, remaining)
			return elementMismatch(fmt.Sprintf("%s/element[%d]", path, i), e, remaining[best])
		}
		remaining = append(remaining[:found], remaining[found+1:]...)
	}
	return nil
}

// MergeElements folds all II_GLOBAL elements into one spanning element and
// all IT_GLOBAL elements into another. Other elements are returned unchanged.
func MergeElements(elems []payload.Element) []payload.Element {
	var merged [2]*payload.Element
	var others []payload.Element

	for _, e := range elems {
		var idx int
		switch e.ReadoutType {
		case payload.ReadoutIIGlobal:
			idx = 0
		case payload.ReadoutITGlobal:
			idx = 1
		default:
			others = append(others, e)
			continue
		}

		if merged[idx] == nil {
			cp := e
			merged[idx] = &cp
			continue
		}
		if e.FirstTime < merged[idx].FirstTime {
			merged[idx].FirstTime = e.FirstTime
		}
		if e.LastTime > merged[idx].LastTime {
			merged[idx].LastTime = e.LastTime
		}
	}

	out := make([]payload.Element, 0, len(others)+2)
	for _, m := range merged {
		if m != nil {
			out = append(out, *m)
		}
	}
	return append(out, others...)
}

func elementScore(exp, act payload.Element) int {
	score := 0
	if exp.ReadoutType == act.ReadoutType {
		score++
	}
	if exp.SourceID == act.SourceID {
		score++
	}
	if exp.FirstTime == act.FirstTime {
		score++
	}
	if exp.LastTime == act.LastTime {
		score++
	}
	if exp.DOMID == act.DOMID {
		score++
	}
	return score
}

func closestElement(exp payload.Element, candidates []payload.Element) int {
	best, bestScore := 0, -1
	for i, a := range candidates {
		if s := elementScore(exp, a); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

func elementMismatch(path string, exp, act payload.Element) *Mismatch {
	switch {
	case exp.ReadoutType != act.ReadoutType:
		return fieldMismatch(path, "readoutType", payload.ReadoutTypeName(exp.ReadoutType), payload.ReadoutTypeName(act.ReadoutType))
	case exp.SourceID != act.SourceID:
		return fieldMismatch(path, "sourceId", exp.SourceID, act.SourceID)
	case exp.FirstTime != act.FirstTime:
		return fieldMismatch(path, "firstTime", exp.FirstTime, act.FirstTime)
	case exp.LastTime != act.LastTime:
		return fieldMismatch(path, "lastTime", exp.LastTime, act.LastTime)
	default:
		return fieldMismatch(path, "domId", exp.DOMID, act.DOMID)
	}
}

// LooksSimilar reports whether two trigger requests agree on timestamp,
// type, config ID and time range. UIDs are ignored.
func LooksSimilar(exp, act *payload.TriggerRequest) bool {
	return exp.UTCTime == act.UTCTime &&
		exp.TriggerType == act.TriggerType &&
		exp.ConfigID == act.ConfigID &&
		exp.FirstTime == act.FirstTime &&
		exp.LastTime == act.LastTime
}

func join(path, format string, v ...interface{}) string {
	node := fmt.Sprintf(format, v...)
	if path == "" {
		return node
	}
	return path + "/" + node
}

func describe(p payload.Payload) string {
	if p == nil {
		return "nothing"
	}
	if s, ok := p.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T@%d", p, p.Timestamp())
}
