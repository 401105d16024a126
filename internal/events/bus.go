package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"internline/internal/domain"
)

const TypeStringInterned = "string.interned"

type Event struct {
	Type    string            `json:"type"`
	UseCase domain.UseCaseKey `json:"use_case"`
	OrgID   int64             `json:"org_id"`
	String  string            `json:"string"`
	ID      domain.DecodedID  `json:"id"`
	TS      string            `json:"ts"`
}

type Listener interface {
	Handle(ctx context.Context, evt Event) error
}

type ListenerFunc func(ctx context.Context, evt Event) error

func (f ListenerFunc) Handle(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Bus fans events out to listeners synchronously. Listener failures are
// logged and never reach the publisher.
type Bus struct {
	Logger *slog.Logger
	Now    func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

func (b *Bus) Publish(ctx context.Context, evt Event) {
	if evt.TS == "" {
		now := time.Now
		if b.Now != nil {
			now = b.Now
		}
		evt.TS = now().UTC().Format(time.RFC3339)
	}
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.RUnlock()
	for _, l := range listeners {
		if err := l.Handle(ctx, evt); err != nil {
			b.logger().Warn("event listener failed", "type", evt.Type, "org_id", evt.OrgID, "error", err)
		}
	}
}

func (b *Bus) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
