package consumer

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dglo/trigger-testbed-sub000/internal/compare"
	"github.com/dglo/trigger-testbed-sub000/internal/framing"
	"github.com/dglo/trigger-testbed-sub000/internal/payload"
	"github.com/dglo/trigger-testbed-sub000/internal/storage"
	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

const (
	ModeRecording  = "recording"
	ModeComparison = "comparison"
)

// ========================================
// RECORDING
// ========================================

// RecordingHandler writes every record verbatim to a reference stream and
// terminates it with a stop record
type RecordingHandler struct {
	fw       *framing.Writer
	closer   io.Closer
	logger   types.Logger
	recorded atomic.Int64
	finished bool
}

// NewRecordingHandler frames records onto w; Finish closes w
func NewRecordingHandler(w io.WriteCloser, logger types.Logger) *RecordingHandler {
	return &RecordingHandler{
		fw:     framing.NewWriter(w),
		closer: w,
		logger: types.OrNop(logger),
	}
}

// CreateRecordingHandler records into a new file at path (compressed by suffix)
func CreateRecordingHandler(path string, logger types.Logger) (*RecordingHandler, error) {
	w, err := storage.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create reference file: %w", err)
	}
	types.OrNop(logger).Printf("[Consumer] Recording reference stream to %s", path)
	return NewRecordingHandler(w, logger), nil
}

func (h *RecordingHandler) Handle(rec []byte, _ payload.Payload) error {
	if err := h.fw.Write(rec); err != nil {
		return fmt.Errorf("failed to record: %w", err)
	}
	h.recorded.Add(1)
	return nil
}

func (h *RecordingHandler) Finish() error {
	if h.finished {
		return nil
	}
	h.finished = true

	err := h.fw.WriteStop()
	if err == nil {
		err = h.fw.Flush()
	}
	h.closer.Close()
	if err != nil {
		return fmt.Errorf("failed to finish reference stream: %w", err)
	}
	return nil
}

func (h *RecordingHandler) Pending() int {
	return 0
}

func (h *RecordingHandler) Result() Result {
	return Result{Mode: ModeRecording, Recorded: h.recorded.Load()}
}

// ========================================
// COMPARISON
// ========================================

// ComparisonConfig configures a ComparisonHandler
type ComparisonConfig struct {
	Comparator *compare.Comparator
	Decoder    payload.Decoder
	// MaxDumps limits how many mismatch tree dumps are logged
	MaxDumps int
	Logger   types.Logger
}

// ComparisonHandler matches incoming records against a reference stream.
// The reference is read lazily, only as far as the latest actual timestamp.
//
// An actual record is matched against unresolved expected records with the
// same timestamp and payload type. No candidate counts as extra; candidates
// that all fail comparison count one failure and consume the first
// candidate. Expected records left unresolved at Finish count as missed.
type ComparisonHandler struct {
	ref     *framing.Reader
	closer  io.Closer
	cmp     *compare.Comparator
	decoder payload.Decoder
	logger  types.Logger

	maxDumps int
	dumps    int

	mu      sync.Mutex
	pending []payload.Payload
	refDone bool
	// latest actual timestamp handled
	latest uint64

	matched         atomic.Int64
	missed          atomic.Int64
	extra           atomic.Int64
	failed          atomic.Int64
	refDecodeErrors atomic.Int64
	finished        bool
}

// NewComparisonHandler compares against the framed reference stream ref
func NewComparisonHandler(ref io.Reader, config *ComparisonConfig) *ComparisonHandler {
	if config == nil {
		config = &ComparisonConfig{}
	}
	h := &ComparisonHandler{
		ref:      framing.NewReader(ref),
		cmp:      config.Comparator,
		decoder:  config.Decoder,
		logger:   types.OrNop(config.Logger),
		maxDumps: config.MaxDumps,
	}
	if h.cmp == nil {
		h.cmp = compare.New(nil)
	}
	if h.decoder == nil {
		h.decoder = payload.DefaultDecoder{}
	}
	if c, ok := ref.(io.Closer); ok {
		h.closer = c
	}
	return h
}

// OpenComparisonHandler compares against the reference file at path
func OpenComparisonHandler(path string, config *ComparisonConfig) (*ComparisonHandler, error) {
	rc, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open reference file: %w", err)
	}
	h := NewComparisonHandler(rc, config)
	h.logger.Printf("[Consumer] Comparing against reference stream %s", path)
	return h, nil
}

// fillUntil reads the reference until it holds every expected record with
// a timestamp at or before ts
func (h *ComparisonHandler) fillUntil(ts uint64) error {
	for !h.refDone {
		if n := len(h.pending); n > 0 && h.pending[n-1].Timestamp() > ts {
			return nil
		}
		if err := h.readExpected(); err != nil {
			return err
		}
	}
	return nil
}

func (h *ComparisonHandler) readExpected() error {
	rec, err := h.ref.Next()
	if err == io.EOF {
		h.refDone = true
		return nil
	}
	if err != nil {
		h.refDone = true
		return fmt.Errorf("reference stream: %w", err)
	}
	if framing.IsStop(rec) {
		h.refDone = true
		return nil
	}

	p, err := h.decoder.Decode(rec)
	if err != nil {
		h.refDecodeErrors.Add(1)
		h.logger.Printf("[Consumer] Skipping reference record: %v", err)
		return nil
	}
	h.pending = append(h.pending, p)
	return nil
}

func (h *ComparisonHandler) Handle(_ []byte, act payload.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts := act.Timestamp()
	if ts > h.latest {
		h.latest = ts
	}
	if err := h.fillUntil(ts); err != nil {
		return err
	}

	first := -1
	for i, exp := range h.pending {
		if exp.Timestamp() != ts || exp.PayloadType() != act.PayloadType() {
			continue
		}
		if first < 0 {
			first = i
		}
		if h.cmp.Equal(exp, act) {
			h.remove(i)
			h.matched.Add(1)
			return nil
		}
	}

	if first < 0 {
		h.extra.Add(1)
		h.logger.Printf("[Consumer] Extra record %s", describe(act))
		return nil
	}

	m := h.cmp.Compare(h.pending[first], act)
	h.remove(first)
	h.failed.Add(1)

	if h.dumps < h.maxDumps {
		h.dumps++
		h.logger.Printf("[Consumer] ✗ Mismatch\n%s", m.Dump())
	} else {
		h.logger.Printf("[Consumer] ✗ Mismatch: %v", m)
	}
	return nil
}

func (h *ComparisonHandler) remove(i int) {
	h.pending = append(h.pending[:i], h.pending[i+1:]...)
}

// Finish drains the rest of the reference; everything unresolved is missed
func (h *ComparisonHandler) Finish() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return nil
	}
	h.finished = true

	var err error
	for !h.refDone {
		if err = h.readExpected(); err != nil {
			break
		}
	}

	for _, exp := range h.pending {
		h.logger.Printf("[Consumer] Missed record %s", describe(exp))
	}
	h.missed.Add(int64(len(h.pending)))
	h.pending = nil

	if h.closer != nil {
		h.closer.Close()
	}
	return err
}

// Pending counts expected records at or after the latest actual timestamp.
// Older records are still held for out-of-order output but are not counted;
// only new input can resolve them.
func (h *ComparisonHandler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, exp := range h.pending {
		if exp.Timestamp() >= h.latest {
			n++
		}
	}
	return n
}

// Held returns every unresolved expected record, including those the output
// has already moved past
func (h *ComparisonHandler) Held() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *ComparisonHandler) Result() Result {
	return Result{
		Mode:    ModeComparison,
		Matched: h.matched.Load(),
		Missed:  h.missed.Load(),
		Extra:   h.extra.Load(),
		Failed:  h.failed.Load(),
	}
}

// ReferenceDecodeErrors returns the number of unreadable reference records
func (h *ComparisonHandler) ReferenceDecodeErrors() int64 {
	return h.refDecodeErrors.Load()
}

func describe(p payload.Payload) string {
	if s, ok := p.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("type %d @%d", p.PayloadType(), p.Timestamp())
}
