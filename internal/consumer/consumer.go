// Package consumer reads the framed output of the system under test, decodes
// each record and hands it to a Handler that either records a reference
// stream or compares against one.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dglo/trigger-testbed-sub000/internal/framing"
	"github.com/dglo/trigger-testbed-sub000/internal/payload"
	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

// ErrForceStopped is returned by Run when ForceStop ended the run early
var ErrForceStopped = errors.New("consumer was force-stopped")

// Handler receives every decoded output record
type Handler interface {
	// Handle processes one record; an error is fatal to the consumer
	Handle(rec []byte, p payload.Payload) error
	// Finish is called once after the last record, even on early exit
	Finish() error
	// Pending returns the number of records held but not yet resolved
	Pending() int
	// Result returns the handler's counters; safe to call concurrently
	Result() Result
}

// Result holds handler counters
type Result struct {
	Mode     string `json:"mode"`
	Recorded int64  `json:"recorded,omitempty"`
	Matched  int64  `json:"matched"`
	Missed   int64  `json:"missed"`
	Extra    int64  `json:"extra"`
	Failed   int64  `json:"failed"`
}

// Config configures a consumer
type Config struct {
	Name string
	// QueueSize bounds the records read ahead of processing
	QueueSize int
	Decoder   payload.Decoder
	Logger    types.Logger
}

// DefaultConfig returns the standard consumer settings
func DefaultConfig() *Config {
	return &Config{
		Name:      "consumer",
		QueueSize: types.DEFAULT_QUEUE_SIZE,
		Decoder:   payload.DefaultDecoder{},
	}
}

// Stats is a point-in-time view of a consumer
type Stats struct {
	Name         string `json:"name"`
	Received     int64  `json:"received"`
	Processed    int64  `json:"processed"`
	DecodeErrors int64  `json:"decode_errors"`
	InputDepth   int    `json:"input_depth"`
	OutputDepth  int    `json:"output_depth"`
	ReaderPaused bool   `json:"reader_paused"`
	SawStop      bool   `json:"saw_stop"`
	Stopped      bool   `json:"stopped"`
	Forced       bool   `json:"forced"`
	Result       Result `json:"result"`
}

// Consumer drains one framed stream into a Handler. A reader goroutine
// fills the input queue and can be paused for backpressure; Run decodes and
// dispatches.
type Consumer struct {
	config  *Config
	src     io.Reader
	handler Handler
	decoder payload.Decoder
	logger  types.Logger

	input chan []byte

	// upstream reader pause control, set by the monitor
	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once

	received     atomic.Int64
	processed    atomic.Int64
	decodeErrors atomic.Int64
	sawStop      atomic.Bool
	done         atomic.Bool
	forced       atomic.Bool
}

// New creates a consumer reading framed records from src
func New(src io.Reader, handler Handler, config *Config) *Consumer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	decoder := config.Decoder
	if decoder == nil {
		decoder = payload.DefaultDecoder{}
	}

	c := &Consumer{
		config:  config,
		src:     src,
		handler: handler,
		decoder: decoder,
		logger:  types.OrNop(config.Logger),
		input:   make(chan []byte, config.QueueSize),
		stopCh:  make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Run consumes records until the stop record, end of stream, context
// cancellation or ForceStop. The handler is always finished.
func (c *Consumer) Run(ctx context.Context) error {
	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop()
	}()

	err := c.processLoop(ctx, readErr)

	if finishErr := c.handler.Finish(); finishErr != nil && err == nil {
		err = fmt.Errorf("%s: finish: %w", c.config.Name, finishErr)
	}
	c.done.Store(true)

	// release a reader blocked on pause or on a full queue
	c.halt()

	res := c.handler.Result()
	c.logger.Printf("[Consumer] Finished: %d received, %d decode errors, %d matched, %d missed, %d extra, %d failed",
		c.received.Load(), c.decodeErrors.Load(), res.Matched, res.Missed, res.Extra, res.Failed)
	return err
}

func (c *Consumer) processLoop(ctx context.Context, readErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("[Consumer] Cancelled: %v", ctx.Err())
			return ctx.Err()

		case <-c.stopCh:
			if c.forced.Load() {
				return ErrForceStopped
			}
			return nil

		case rec := <-c.input:
			if err := c.process(rec); err != nil {
				return err
			}

		case err := <-readErr:
			// drain what the reader queued before it finished
		drain:
			for {
				select {
				case rec := <-c.input:
					if perr := c.process(rec); perr != nil {
						return perr
					}
				default:
					break drain
				}
			}
			if err != nil {
				return fmt.Errorf("%s: %w", c.config.Name, err)
			}
			if c.forced.Load() {
				return ErrForceStopped
			}
			if !c.sawStop.Load() {
				c.logger.Printf("[Consumer] ⚠️  Stream ended without a stop record")
			}
			return nil
		}
	}
}

func (c *Consumer) process(rec []byte) error {
	if framing.IsStop(rec) {
		c.sawStop.Store(true)
		return nil
	}

	p, err := c.decoder.Decode(rec)
	if err != nil {
		c.decodeErrors.Add(1)
		c.logger.Printf("[Consumer] Skipping record: %v", err)
		return nil
	}

	if err := c.handler.Handle(rec, p); err != nil {
		return fmt.Errorf("%s: %w", c.config.Name, err)
	}
	c.processed.Add(1)
	return nil
}

// readLoop is the upstream reader; it returns nil at the stop record or
// end of stream
func (c *Consumer) readLoop() error {
	fr := framing.NewReader(c.src)

	for {
		if !c.waitWhilePaused() {
			return nil
		}

		rec, err := fr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if !framing.IsStop(rec) {
			c.received.Add(1)
		}

		select {
		case c.input <- rec:
		case <-c.stopCh:
			return nil
		}

		if framing.IsStop(rec) {
			return nil
		}
	}
}

func (c *Consumer) waitWhilePaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.paused && !c.stopped {
		c.cond.Wait()
	}
	return !c.stopped
}

func (c *Consumer) halt() {
	c.mu.Lock()
	c.stopped = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })
}

// ========================================
// CONTROL
// ========================================

// ForceStop abandons the stream; Run finishes the handler with what it has
// and returns ErrForceStopped
func (c *Consumer) ForceStop() {
	if c.done.Load() {
		return
	}
	if c.forced.CompareAndSwap(false, true) {
		c.logger.Printf("[Consumer] Force-stopped")
	}
	c.halt()
}

// PauseReader stops the upstream reader before its next read. Idempotent.
func (c *Consumer) PauseReader() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// UnpauseReader resumes the upstream reader. Idempotent.
func (c *Consumer) UnpauseReader() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.cond.Broadcast()
}

// ========================================
// STATUS
// ========================================

// ReaderPaused reports whether the upstream reader has been paused
func (c *Consumer) ReaderPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// InputDepth returns the number of records read but not yet processed
func (c *Consumer) InputDepth() int {
	return len(c.input)
}

// OutputDepth returns the number of records the handler holds unresolved
func (c *Consumer) OutputDepth() int {
	return c.handler.Pending()
}

// Failures returns the number of records that failed comparison
func (c *Consumer) Failures() int64 {
	return c.handler.Result().Failed
}

// Received returns the number of non-stop records read
func (c *Consumer) Received() int64 {
	return c.received.Load()
}

// Processed returns the number of records handed to the handler
func (c *Consumer) Processed() int64 {
	return c.processed.Load()
}

// IsStopped reports whether Run has finished
func (c *Consumer) IsStopped() bool {
	return c.done.Load()
}

// IsForced reports whether ForceStop ended the run
func (c *Consumer) IsForced() bool {
	return c.forced.Load()
}

// Stats returns a snapshot of the consumer's progress
func (c *Consumer) Stats() Stats {
	return Stats{
		Name:         c.config.Name,
		Received:     c.received.Load(),
		Processed:    c.processed.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		InputDepth:   c.InputDepth(),
		OutputDepth:  c.OutputDepth(),
		ReaderPaused: c.ReaderPaused(),
		SawStop:      c.sawStop.Load(),
		Stopped:      c.done.Load(),
		Forced:       c.forced.Load(),
		Result:       c.handler.Result(),
	}
}
