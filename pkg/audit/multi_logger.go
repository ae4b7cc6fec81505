package audit

import (
	"context"
	"errors"
	"fmt"
)

// MultiLogger fans each event out to several sinks, for example the
// database and the structured log
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger returns a logger writing to every non-nil sink in order
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Log writes event to every sink. A failing sink does not stop the others;
// all failures are joined into the returned error.
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	var errs []error
	for i, sink := range m.sinks {
		if err := sink.Log(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("audit sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors
func (m *MultiLogger) Close() error {
	var errs []error
	for i, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
