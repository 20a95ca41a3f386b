package drm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_Await(t *testing.T) {
	q := NewEventQueue()
	q.Post(Event{Type: EventKeyStatus, KeyID: testKID, Status: KeyStatusUsable})

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Post(Event{Type: EventMessage, Message: []byte("challenge")})
	}()

	var seen []Event
	ev, err := q.Await(context.Background(), 50, 20*time.Millisecond,
		func(ev Event) bool { return ev.Type == EventMessage },
		func(ev Event) { seen = append(seen, ev) },
	)
	require.NoError(t, err)
	assert.Equal(t, []byte("challenge"), ev.Message)
	require.Len(t, seen, 1)
	assert.Equal(t, EventKeyStatus, seen[0].Type)
}

func TestEventQueue_AwaitExhausted(t *testing.T) {
	q := NewEventQueue()
	_, err := q.Await(context.Background(), 3, time.Millisecond, func(Event) bool { return true }, nil)
	assert.ErrorIs(t, err, ErrSessionLifecycle)
}

func TestEventQueue_AwaitCanceled(t *testing.T) {
	q := NewEventQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Await(ctx, 5, time.Second, func(Event) bool { return true }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHost_RoutesAndOrphans(t *testing.T) {
	h := NewHost()

	// Vendors may report events before the session id is known to the host.
	h.Post(Event{Type: EventMessage, SessionID: "s1", Message: []byte("early")})
	h.Post(Event{Type: EventMessage, SessionID: "s2"})

	q1 := h.Register("s1")
	assert.Same(t, q1, h.Register("s1"))
	events := q1.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, []byte("early"), events[0].Message)

	h.Post(Event{Type: EventKeyRequired, SessionID: "s1"})
	assert.Len(t, q1.Drain(), 1)

	q2 := h.Register("s2")
	assert.Len(t, q2.Drain(), 1)
	assert.Equal(t, 2, h.Sessions())

	h.Unregister("s1")
	assert.Equal(t, 1, h.Sessions())
}

func TestHost_ConcurrentPost(t *testing.T) {
	h := NewHost()
	q := h.Register("s")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Post(Event{Type: EventKeyStatus, SessionID: "s"})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, q.Drain(), 800)
}

func TestKeyTable(t *testing.T) {
	kt := NewKeyTable()
	assert.Nil(t, kt.Default())
	assert.False(t, kt.AnyUsable())

	kt.Add(testKID, KeyStatusPending)
	kt.Add(testKID, KeyStatusUsable)
	st, ok := kt.Status(testKID)
	require.True(t, ok)
	assert.Equal(t, KeyStatusPending, st)

	kt.SetStatus(testKID, KeyStatusUsable)
	assert.True(t, kt.Usable(testKID))
	assert.True(t, kt.AnyUsable())
	assert.Equal(t, testKID, kt.Default())

	kt.SetDefault(testKID2)
	assert.Equal(t, testKID2, kt.Default())
	assert.False(t, kt.Usable(testKID2))
	assert.Equal(t, 2, kt.Len())
	assert.Equal(t, [][]byte{testKID, testKID2}, kt.IDs())

	kt.Add(nil, KeyStatusUsable)
	assert.Equal(t, 2, kt.Len())
	assert.Equal(t, "output-restricted", KeyStatusOutputRestricted.String())
}
