// Package events publishes session lifecycle events after they commit.
// Delivery is best effort: sinks never fail the operation that produced the
// event, and consumers must treat the store as the source of truth.
package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/infra/observability"
)

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, domain.Event) error { return nil }

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

// Publish logs ev at debug level, settlements at info.
func (s LogSink) Publish(ctx context.Context, ev domain.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	if ev.Kind == domain.EventSettled || ev.Kind == domain.EventDrift {
		level = slog.LevelInfo
	}
	attrs := []slog.Attr{slog.String("kind", string(ev.Kind))}
	if !ev.SessionID.IsNil() {
		attrs = append(attrs, slog.String("session_id", ev.SessionID.String()))
	}
	if !ev.ExpertID.IsNil() {
		attrs = append(attrs, slog.String("expert_id", ev.ExpertID.String()))
	}
	if ev.From != "" || ev.To != "" {
		attrs = append(attrs, slog.String("from", string(ev.From)), slog.String("to", string(ev.To)))
	}
	if st := ev.Settlement; st != nil {
		attrs = append(attrs,
			slog.Int64("tokens_spent", st.TokensSpent),
			slog.Int64("tokens_debited", st.TokensDebited),
			slog.Int64("expert_credit", st.ExpertCredit))
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	logger.LogAttrs(ctx, level, "event", attrs...)
	observability.EventsPublished.WithLabelValues("log", "ok").Inc()
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []domain.EventSink

func (m Multi) Publish(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes ev and logs, rather than returns, any sink failure.
func Emit(ctx context.Context, sink domain.EventSink, logger *slog.Logger, ev domain.Event) {
	if sink == nil {
		return
	}
	if err := sink.Publish(ctx, ev); err != nil && logger != nil {
		logger.Warn("event publish failed", "kind", ev.Kind, "session_id", ev.SessionID.String(), "error", err)
	}
}
