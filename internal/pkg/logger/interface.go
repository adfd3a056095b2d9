package logger

// LoggingClient is the leveled logger handed to every component of the PLC runtime.
//
// The non-formatted methods take an optional list of key/value pairs that are
// appended to the line as key=value. The f-variants format msg with args.
type LoggingClient interface {
	SetLogLevel(logLevel string) error
	LogLevel() string

	Trace(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	Tracef(msg string, args ...interface{})
	Debugf(msg string, args ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})

	// WithComponent returns a client sharing level and sinks that tags each line with name.
	WithComponent(name string) LoggingClient

	Close() error
}
