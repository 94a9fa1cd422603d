package bridge

import (
	"fmt"
	"io"
	"sync"

	"github.com/dglo/trigger-testbed-sub000/internal/framing"
	"github.com/dglo/trigger-testbed-sub000/internal/storage"
)

// Sink receives framed records from a bridge. Ownership of rec passes to
// the sink on Write. Close is called exactly once, after the final record.
type Sink interface {
	Write(rec []byte) error
	Close() error
}

// ========================================
// STREAM SINKS
// ========================================

// WriterSink frames records onto an io.WriteCloser
type WriterSink struct {
	fw     *framing.Writer
	closer io.Closer
	// flush after every record so a live reader never waits on the buffer
	flush bool
}

// NewWriterSink wraps w; Close flushes and then closes w
func NewWriterSink(w io.WriteCloser) *WriterSink {
	return &WriterSink{fw: framing.NewWriter(w), closer: w}
}

func (s *WriterSink) Write(rec []byte) error {
	if err := s.fw.Write(rec); err != nil {
		return err
	}
	if s.flush {
		return s.fw.Flush()
	}
	return nil
}

func (s *WriterSink) Close() error {
	flushErr := s.fw.Flush()
	closeErr := s.closer.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush sink: %w", flushErr)
	}
	return closeErr
}

// NewFileSink creates path (compressed by suffix) and frames records into it
func NewFileSink(path string) (*WriterSink, error) {
	w, err := storage.Create(path)
	if err != nil {
		return nil, err
	}
	return NewWriterSink(w), nil
}

// NewPipeSink returns a sink feeding the returned in-memory pipe. Reads see
// the framed records in write order and io.EOF once the sink is closed.
func NewPipeSink() (*WriterSink, *io.PipeReader) {
	pr, pw := io.Pipe()
	return &WriterSink{fw: framing.NewWriter(pw), closer: pw, flush: true}, pr
}

// ========================================
// CHANNEL SINK
// ========================================

// ChannelSink hands records to an in-process reader through a buffered
// channel. It is the single-producer/single-consumer handoff between a
// bridge and whatever consumes its stream.
type ChannelSink struct {
	ch        chan []byte
	closeOnce sync.Once
}

// NewChannelSink creates a sink whose channel holds up to depth records
func NewChannelSink(depth int) *ChannelSink {
	if depth < 0 {
		depth = 0
	}
	return &ChannelSink{ch: make(chan []byte, depth)}
}

// C returns the receive side; it is closed after the bridge closes the sink
func (s *ChannelSink) C() <-chan []byte {
	return s.ch
}

// Depth returns the number of records waiting in the channel
func (s *ChannelSink) Depth() int {
	return len(s.ch)
}

func (s *ChannelSink) Write(rec []byte) error {
	s.ch <- rec
	return nil
}

func (s *ChannelSink) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}
