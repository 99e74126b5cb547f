package abus

import (
	"context"
	"time"
)

// API represents the complete bus surface consumed by endpoints and
// external collaborators.
type API interface {
	Publish(ctx context.Context, msg *Message) (string, error)
	Subscribe(kind string, fn Subscriber) Subscription
	Unsubscribe(sub Subscription) bool
	Query(q Query) []*Message
	Get(id string) (*Message, bool)
	RepliesTo(id string) []*Message
	AwaitReply(ctx context.Context, id string, timeout time.Duration) (*Message, error)
	LoadJournal(ctx context.Context) (int, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

var _ HealthChecker = (*Bus)(nil)
