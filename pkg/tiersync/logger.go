package tiersync

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the structured logging interface the dispatcher, gate and
// ingestion paths write to. The logger/zerolog package provides the standard
// implementation; NoopLogger is the default when none is configured.
type Logger interface {
	// Debug logs expected-but-notable conditions, like stale events.
	Debug(msg string, fields ...Field)

	// Info logs normal operation.
	Info(msg string, fields ...Field)

	// Warn logs degraded operation the system recovered from.
	Warn(msg string, fields ...Field)

	// Error logs failures that need operator attention.
	Error(msg string, fields ...Field)
}

// NoopLogger is a no-op implementation of the Logger interface.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
