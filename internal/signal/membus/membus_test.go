package membus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formcrew/crewcall/internal/signal"
)

func recv(t *testing.T, sub *signal.Subscription) signal.Envelope {
	t.Helper()
	select {
	case env := <-sub.C:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return signal.Envelope{}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	s1, err := b.Subscribe("call.c1")
	require.NoError(t, err)
	s2, err := b.Subscribe("call.c1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "call.c1", signal.Envelope{Type: "offer", From: "alice"}))

	for _, sub := range []*signal.Subscription{s1, s2} {
		env := recv(t, sub)
		assert.Equal(t, "offer", env.Type)
		assert.Equal(t, "alice", env.From)
		assert.Equal(t, "call.c1", env.Scope)
	}
}

func TestScopesAreIsolated(t *testing.T) {
	b := New()
	s1, err := b.Subscribe("call.c1")
	require.NoError(t, err)
	s2, err := b.Subscribe("call.c2")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "call.c1", signal.Envelope{Type: "offer"}))

	assert.Equal(t, "offer", recv(t, s1).Type)
	select {
	case env := <-s2.C:
		t.Fatalf("unexpected envelope on other scope: %+v", env)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New()
	sub, err := b.Subscribe("call.c1")
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel() // second cancel is a no-op

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing to a scope with no subscribers still succeeds.
	require.NoError(t, b.Publish(context.Background(), "call.c1", signal.Envelope{Type: "offer"}))
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub, err := b.Subscribe("call.c1")
	require.NoError(t, err)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subBuffer*2; i++ {
			_ = b.Publish(context.Background(), "call.c1", signal.Envelope{Type: "offer"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
