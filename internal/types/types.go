package types

import "math"

// Logger is a simple logging interface used throughout the testbed
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Printf(format string, v ...interface{}) {}
func (NopLogger) Println(v ...interface{})               {}

// OrNop returns logger, or a NopLogger when logger is nil
func OrNop(logger Logger) Logger {
	if logger == nil {
		return NopLogger{}
	}
	return logger
}

const (
	// STOP_LENGTH is the declared length of the stop sentinel record
	STOP_LENGTH = 4

	// HEADER_LENGTH is the minimum record length carrying a timestamp
	HEADER_LENGTH = 16

	// INFINITE_TIME is reported as a bridge's last timestamp once its input is exhausted
	INFINITE_TIME = uint64(math.MaxUint64)

	// DEFAULT_POLL_PERIOD_MS is the flow monitor poll period
	DEFAULT_POLL_PERIOD_MS = 100

	// DEFAULT_MAX_SKEW is the tolerated divergence between sources (DAQ ticks, 0.1ns)
	DEFAULT_MAX_SKEW = uint64(10_000_000_000)

	// DEFAULT_QUEUE_SIZE bounds each bridge channel and the consumer input queue
	DEFAULT_QUEUE_SIZE = 1024

	// DEFAULT_HIGH_WATER is the consumer queue depth that pauses the upstream
	// reader; it must stay below DEFAULT_QUEUE_SIZE to ever be reached
	DEFAULT_HIGH_WATER = 768

	// REFERENCE_SUFFIX is appended to computed reference file names
	REFERENCE_SUFFIX = ".dat"
)

// IsValidTime reports whether ts is a real timestamp (neither unset nor the end marker)
func IsValidTime(ts uint64) bool {
	return ts != 0 && ts != INFINITE_TIME
}
