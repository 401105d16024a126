package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"internline/internal/domain"
	"internline/internal/events"
	"internline/internal/logging"
)

func TestBusFansOutAndStampsTime(t *testing.T) {
	bus := &events.Bus{
		Logger: logging.Discard(),
		Now:    func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	var got []events.Event
	bus.Subscribe(events.ListenerFunc(func(_ context.Context, evt events.Event) error {
		return errors.New("first listener down")
	}))
	bus.Subscribe(events.ListenerFunc(func(_ context.Context, evt events.Event) error {
		got = append(got, evt)
		return nil
	}))

	bus.Publish(context.Background(), events.Event{
		Type:    events.TypeStringInterned,
		UseCase: domain.UseCasePerformance,
		OrgID:   1,
		String:  "transaction.duration",
		ID:      42,
	})

	require.Len(t, got, 1)
	assert.Equal(t, "2024-01-01T00:00:00Z", got[0].TS)
	assert.Equal(t, domain.DecodedID(42), got[0].ID)
}
