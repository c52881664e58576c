package events

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"identity-server/internal/observability"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub(observability.NewLogger())

	var created atomic.Int32
	hub.Subscribe(func(_ context.Context, event any) {
		if _, ok := event.(AccountCreated); ok {
			created.Add(1)
		}
	})
	hub.Subscribe(func(_ context.Context, event any) {
		if _, ok := event.(AccountCreated); ok {
			created.Add(1)
		}
	})

	hub.Publish(AccountCreated{AccountID: "acc-1"})
	hub.Wait()

	require.Equal(t, int32(2), created.Load())
}

func TestPanickingSubscriberDoesNotStopOthers(t *testing.T) {
	hub := NewHub(observability.NewLogger())

	var delivered atomic.Int32
	hub.Subscribe(func(context.Context, any) {
		panic("boom")
	})
	hub.Subscribe(func(context.Context, any) {
		delivered.Add(1)
	})

	hub.Publish(AccountUpdated{AccountID: "acc-1"})
	hub.Wait()

	require.Equal(t, int32(1), delivered.Load())
}
