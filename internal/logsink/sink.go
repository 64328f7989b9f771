// Package logsink defines the connector's abstraction for forwarding a
// run's buffered log entries. By default, logs are forwarded to the
// control plane's logs-append endpoint. The Sink interface allows a
// secondary local mirror (Postgres) to be fanned in alongside the
// default forwarder, so a run's logs can land on more than one backend
// at once.
//
// Batcher writes through the Sink interface rather than calling the
// control plane directly, so the forwarding backend is swappable
// without touching the run lifecycle that produces log entries.
package logsink

import (
	"context"

	"github.com/cognitedata/simulator-connector/internal/controlplane"
	"github.com/cognitedata/simulator-connector/internal/domain"
)

// Sink abstracts the destination for a run's log entries. Implementations
// must be safe for concurrent use.
type Sink interface {
	// Append forwards a batch of log entries scoped to runID.
	Append(ctx context.Context, runID int64, entries []domain.LogEntry) error

	// Close releases any resources held by the sink.
	Close() error
}

// RemoteSink forwards log entries to the control plane. This is the
// default sink: a run's buffered log entries are always flushed to the
// control plane, and to a secondary sink as well when one is configured.
type RemoteSink struct {
	client *controlplane.Client
}

// NewRemoteSink creates a Sink backed by the control plane client.
func NewRemoteSink(client *controlplane.Client) *RemoteSink {
	return &RemoteSink{client: client}
}

func (s *RemoteSink) Append(ctx context.Context, runID int64, entries []domain.LogEntry) error {
	return s.client.AppendLogs(ctx, runID, entries)
}

func (s *RemoteSink) Close() error { return nil }

// MultiSink fans out log writes to multiple sinks. This allows
// forwarding to the control plane (the authoritative destination) and a
// local mirror (for operator debugging) at once.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a Sink that writes to all provided sinks. The
// first error encountered from any sink is returned.
func NewMultiSink(primary Sink, secondary ...Sink) *MultiSink {
	sinks := make([]Sink, 0, 1+len(secondary))
	sinks = append(sinks, primary)
	sinks = append(sinks, secondary...)
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Append(ctx context.Context, runID int64, entries []domain.LogEntry) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Append(ctx, runID, entries); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NoopSink discards all logs. Useful for testing or when a run's logs
// are handled entirely by some other observability path.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (n *NoopSink) Append(context.Context, int64, []domain.LogEntry) error { return nil }
func (n *NoopSink) Close() error                                           { return nil }
