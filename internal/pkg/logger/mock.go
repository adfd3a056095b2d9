package logger

import "io"

// NewMockClient returns a client that discards everything, for tests.
func NewMockClient() LoggingClient {
	return NewClientWithConfig(LoggerConfig{LogLevel: TraceLog, Writer: io.Discard})
}
