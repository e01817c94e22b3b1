package notify

import (
	"context"
	"log/slog"

	"civicflow/internal/domain"
	"civicflow/internal/logx"
)

// LogSink writes every event to the structured log. It is the fallback when
// no external sink is configured.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (LogSink) Accepts(string) bool { return true }

func (s LogSink) Deliver(ctx context.Context, evt domain.OutboxEvent) error {
	s.Log.Info(ctx, "domain_event", evt.Type,
		slog.Int64("event_id", evt.ID),
		slog.String("complaint_id", evt.ComplaintID),
		slog.String("actor_id", evt.ActorID),
		slog.String("ts", evt.TS),
	)
	return nil
}
