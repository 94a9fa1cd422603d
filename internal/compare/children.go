package compare

import "github.com/dglo/trigger-testbed-sub000/internal/payload"

// CompareChildren matches two child lists without regard to order
func (c *Comparator) CompareChildren(exp, act []payload.Payload) *Mismatch {
	return c.compareChildren("", exp, act)
}

type childSet struct {
	hits     []*payload.Hit
	requests []*payload.TriggerRequest
	others   []payload.Payload
}

func partition(list []payload.Payload) childSet {
	var cs childSet
	for _, p := range list {
		switch v := p.(type) {
		case *payload.Hit:
			cs.hits = append(cs.hits, v)
		case *payload.TriggerRequest:
			cs.requests = append(cs.requests, v)
		default:
			cs.others = append(cs.others, p)
		}
	}
	return cs
}

func (c *Comparator) compareChildren(path string, exp, act []payload.Payload) *Mismatch {
	if len(exp) != len(act) {
		return fieldMismatch(path, "payloads", len(exp), len(act))
	}
	if len(exp) == 0 {
		return nil
	}

	ec, ac := partition(exp), partition(act)
	if len(ec.hits) != len(ac.hits) || len(ec.requests) != len(ac.requests) {
		return structMismatch(path, "expected %d hits and %d requests, got %d hits and %d requests",
			len(ec.hits), len(ec.requests), len(ac.hits), len(ac.requests))
	}

	if m := c.matchRequests(path, ec.requests, ac.requests); m != nil {
		return m
	}
	if m := c.matchHits(path, ec.hits, ac.hits); m != nil {
		return m
	}
	return c.matchOthers(path, ec.others, ac.others)
}

// matchRequests pairs each expected request with a similar-looking actual
// request that also passes the full recursive comparison
func (c *Comparator) matchRequests(path string, exp, act []*payload.TriggerRequest) *Mismatch {
	remaining := append([]*payload.TriggerRequest(nil), act...)

	for _, e := range exp {
		var firstFailure *Mismatch
		found := -1
		for j, a := range remaining {
			if !LooksSimilar(e, a) {
				continue
			}
			m := c.compareRequest(join(path, "TrigReq#%d", e.UID), e, a)
			if m == nil {
				found = j
				break
			}
			if firstFailure == nil {
				firstFailure = m
			}
		}

		if found < 0 {
			if firstFailure != nil {
				return firstFailure
			}
			best := closestRequest(e, remaining)
			if m := c.compareRequest(join(path, "TrigReq#%d", e.UID), e, remaining[best]); m != nil {
				return m
			}
			return structMismatch(path, "no actual request matches %s", e)
		}
		remaining = append(remaining[:found], remaining[found+1:]...)
	}
	return nil
}

func requestScore(exp, act *payload.TriggerRequest) int {
	score := 0
	for _, eq := range []bool{
		exp.UTCTime == act.UTCTime,
		exp.TriggerType == act.TriggerType,
		exp.ConfigID == act.ConfigID,
		exp.SourceID == act.SourceID,
		exp.FirstTime == act.FirstTime,
		exp.LastTime == act.LastTime,
	} {
		if eq {
			score++
		}
	}
	return score
}

func closestRequest(exp *payload.TriggerRequest, candidates []*payload.TriggerRequest) int {
	best, bestScore := 0, -1
	for i, a := range candidates {
		if s := requestScore(exp, a); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

type hitKey struct {
	utc    uint64
	dom    int64
	source int32
}

func keyOf(h *payload.Hit) hitKey {
	return hitKey{utc: h.UTCTime, dom: h.DOMID, source: h.SourceID}
}

// matchHits pairs hits by (time, DOM, source). Hits left over are paired by
// time alone, which tolerates a differing device ID but nothing else.
func (c *Comparator) matchHits(path string, exp, act []*payload.Hit) *Mismatch {
	remaining := append([]*payload.Hit(nil), act...)
	var leftover []*payload.Hit

	for _, e := range exp {
		found := -1
		for j, a := range remaining {
			if keyOf(e) == keyOf(a) {
				found = j
				break
			}
		}
		if found < 0 {
			leftover = append(leftover, e)
			continue
		}
		if m := compareHit(join(path, "Hit@%d", e.UTCTime), e, remaining[found], false); m != nil {
			return m
		}
		remaining = append(remaining[:found], remaining[found+1:]...)
	}

	for _, e := range leftover {
		hitPath := join(path, "Hit@%d", e.UTCTime)

		found := -1
		for j, a := range remaining {
			if a.UTCTime == e.UTCTime {
				found = j
				break
			}
		}
		if found < 0 {
			return compareHit(hitPath, e, remaining[closestHit(e, remaining)], false)
		}

		a := remaining[found]
		if m := compareHit(hitPath, e, a, true); m != nil {
			return m
		}
		c.logger.Printf("[Compare] %s: matched by time only (dom %012x vs %012x)",
			hitPath, uint64(e.DOMID), uint64(a.DOMID))
		remaining = append(remaining[:found], remaining[found+1:]...)
	}
	return nil
}

func closestHit(exp *payload.Hit, candidates []*payload.Hit) int {
	best, bestScore := 0, -1
	for i, a := range candidates {
		score := 0
		for _, eq := range []bool{
			exp.UTCTime == a.UTCTime,
			exp.SourceID == a.SourceID,
			exp.DOMID == a.DOMID,
			exp.TriggerType == a.TriggerType,
			exp.ConfigID == a.ConfigID,
			exp.TriggerMode == a.TriggerMode,
		} {
			if eq {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func (c *Comparator) matchOthers(path string, exp, act []payload.Payload) *Mismatch {
	remaining := append([]payload.Payload(nil), act...)
	for _, e := range exp {
		var firstFailure *Mismatch
		found := -1
		for j, a := range remaining {
			m := c.comparePayload(path, e, a)
			if m == nil {
				found = j
				break
			}
			if firstFailure == nil {
				firstFailure = m
			}
		}
		if found < 0 {
			if firstFailure != nil {
				return firstFailure
			}
			return structMismatch(path, "no actual payload matches %s", describe(e))
		}
		remaining = append(remaining[:found], remaining[found+1:]...)
	}
	return nil
}
