package monitor_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dglo/trigger-testbed-sub000/internal/consumer"
	"github.com/dglo/trigger-testbed-sub000/internal/framing"
	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
	"github.com/dglo/trigger-testbed-sub000/internal/payload"
)

func hitStream(t *testing.T, first, count uint64) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	fw := framing.NewWriter(&buf)
	for ts := first; ts < first+count; ts++ {
		rec := payload.EncodeHit(&payload.Hit{UTCTime: ts, SourceID: payload.SourceStringHub + 1, DOMID: int64(ts)})
		require.NoError(t, fw.Write(rec))
	}
	require.NoError(t, fw.WriteStop())
	require.NoError(t, fw.Flush())
	return &buf
}

// A system that drops more records than the high-water mark leaves them
// unresolved in the comparison handler; the run must still drain.
func TestBackpressureWithDroppedRecords(t *testing.T) {
	ref := hitStream(t, 1, 5)
	actual := hitStream(t, 10, 20)

	handler := consumer.NewComparisonHandler(ref, &consumer.ComparisonConfig{Logger: &testLogger{t}})
	cons := consumer.New(actual, handler, &consumer.Config{
		Name:      "consumer",
		QueueSize: 4,
		Logger:    &testLogger{t},
	})
	// start paused so the monitor has to release the reader
	cons.PauseReader()

	cfg := monitor.DefaultConfig()
	cfg.PollPeriod = time.Millisecond
	cfg.HighWater = 2
	cfg.StaticThreshold = 200
	cfg.StoppedThreshold = 3
	cfg.Logger = &testLogger{t}
	mon := monitor.New(nil, cons, cfg)

	consErr := make(chan error, 1)
	go func() { consErr <- cons.Run(context.Background()) }()

	outcome, err := mon.Run(context.Background(), 5000)
	require.NoError(t, err)
	assert.Equal(t, monitor.OutcomeStopped, outcome)

	select {
	case err := <-consErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer never finished")
	}

	assert.True(t, cons.IsStopped())
	assert.Equal(t, int64(20), cons.Received())
	assert.Equal(t, consumer.Result{Mode: consumer.ModeComparison, Missed: 5, Extra: 20}, handler.Result())
}
