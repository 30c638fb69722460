package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sessionA = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	sessionB = "6ba7b811-9dad-11d1-80b4-00c04fd430c8"
)

func TestSessionScopedDelivery(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	defer b.Close()

	subA := b.Subscribe(sessionA)
	global := b.SubscribeGlobal()

	b.Publish(Event{Type: EventOutput, SessionID: sessionA, Line: "a1"})
	b.Publish(Event{Type: EventOutput, SessionID: sessionB, Line: "b1"})

	// The session-scoped subscriber sees only its session.
	got := <-subA.C
	assert.Equal(t, sessionA, got.SessionID)
	select {
	case ev := <-subA.C:
		t.Fatalf("unexpected cross-session event: %+v", ev)
	default:
	}

	// The global subscriber sees both.
	first := <-global.C
	second := <-global.C
	assert.Equal(t, sessionA, first.SessionID)
	assert.Equal(t, sessionB, second.SessionID)
}

func TestCloseUnregisters(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	defer b.Close()

	sub := b.Subscribe(sessionA)
	sub.Close()

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after close must not panic or block.
	b.Publish(Event{Type: EventOutput, SessionID: sessionA})
}

func TestDropOldestUnderBackpressure(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	defer b.Close()

	sub := b.SubscribeBuffered(sessionA, 2)

	b.Publish(Event{Type: EventOutput, SessionID: sessionA, Line: "1"})
	b.Publish(Event{Type: EventOutput, SessionID: sessionA, Line: "2"})
	b.Publish(Event{Type: EventOutput, SessionID: sessionA, Line: "3"}) // drops "1"

	first := <-sub.C
	assert.Equal(t, "2", first.Line)

	second := <-sub.C
	assert.Equal(t, "3", second.Line)

	// The drop is reported on the next delivered event, then resets.
	b.Publish(Event{Type: EventOutput, SessionID: sessionA, Line: "4"})
	fourth := <-sub.C
	require.Equal(t, "4", fourth.Line)
	assert.Equal(t, uint64(1), fourth.Dropped)

	b.Publish(Event{Type: EventOutput, SessionID: sessionA, Line: "5"})
	fifth := <-sub.C
	require.Equal(t, "5", fifth.Line)
	assert.Zero(t, fifth.Dropped)
}

func TestTerminalPredicate(t *testing.T) {
	t.Parallel()

	assert.True(t, Event{Type: EventExited}.IsTerminal())
	assert.True(t, Event{Type: EventCancelled}.IsTerminal())
	assert.True(t, Event{Type: EventFailed}.IsTerminal())
	assert.False(t, Event{Type: EventStarted}.IsTerminal())
	assert.False(t, Event{Type: EventOutput}.IsTerminal())
}
