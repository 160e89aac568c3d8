// Package store defines the audit event store contract used to keep a
// queryable history of engine events per session.
package store

import (
	"context"
	"time"

	"github.com/tramitebot/tramitebot/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
}

type MetricsQuery struct {
	Since *time.Time
}

type MetricsSummary struct {
	SessionsStarted    int64 `json:"sessionsStarted"`
	SessionsCompleted  int64 `json:"sessionsCompleted"`
	SessionsFailed     int64 `json:"sessionsFailed"`
	ActionsExecuted    int64 `json:"actionsExecuted"`
	ActionFailures     int64 `json:"actionFailures"`
	ApprovalsRequested int64 `json:"approvalsRequested"`
	ApprovalsResolved  int64 `json:"approvalsResolved"`
}

type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEventsBySession(ctx context.Context, sessionID string, query ListQuery) ([]observe.Event, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	Close() error
}
