package metarl

import "log"

// A Logger records scalar training statistics.
type Logger interface {
	Add(tag string, value float64, step int)
}

// StandardLogger is a Logger which uses the log package.
type StandardLogger struct {
	// Disabled suppresses all output.
	Disabled bool

	// Interval is the number of steps between logged
	// values.
	// If it is 0 or less, every value is logged.
	Interval int
}

// Add logs the scalar if step falls on the interval.
func (s *StandardLogger) Add(tag string, value float64, step int) {
	if s.Disabled || (s.Interval > 0 && step%s.Interval != 0) {
		return
	}
	log.Printf("%s: step=%d value=%f", tag, step, value)
}

// NopLogger is a Logger which discards everything.
type NopLogger struct{}

// Add does nothing.
func (n NopLogger) Add(tag string, value float64, step int) {
}
