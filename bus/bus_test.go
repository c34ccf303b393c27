package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, s *Subscription) *Message {
	t.Helper()
	select {
	case m, ok := <-s.Channel():
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no message")
		return nil
	}
}

func expectNone(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case m := <-s.Channel():
		t.Fatalf("unexpected message on %v: %v", m.Topic, m.Payload)
	default:
	}
}

func TestTopic_Match(t *testing.T) {
	tests := []struct {
		pattern, topic Topic
		want           bool
	}{
		{T("i2c", "i2c0", "tx"), T("i2c", "i2c0", "tx"), true},
		{T("i2c", "+", "tx"), T("i2c", "i2c1", "tx"), true},
		{T("i2c", "+", "tx"), T("i2c", "i2c1", "stats"), false},
		{T("i2c", "#"), T("i2c"), true},
		{T("i2c", "#"), T("i2c", "i2c0", "tx"), true},
		{T("i2c", "i2c0"), T("i2c", "i2c0", "tx"), false},
		{T("i2c", "i2c0", "tx"), T("i2c", "i2c0"), false},
		{T("#"), T("anything", "at", "all"), true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.pattern.Match(tc.topic), "%v ~ %v", tc.pattern, tc.topic)
	}
}

func TestPublish_ExactAndWildcards(t *testing.T) {
	b := New(4)
	c := b.NewConnection("test")

	exact := c.Subscribe(T("i2c", "i2c0", "tx"))
	one := c.Subscribe(T("i2c", "+", "tx"))
	rest := c.Subscribe(T("i2c", "#"))
	other := c.Subscribe(T("i2c", "+", "stats"))

	c.Publish(&Message{Topic: T("i2c", "i2c0", "tx"), Payload: 1})

	assert.Equal(t, 1, recv(t, exact).Payload)
	assert.Equal(t, 1, recv(t, one).Payload)
	assert.Equal(t, 1, recv(t, rest).Payload)
	expectNone(t, other)

	c.Publish(&Message{Topic: T("i2c", "i2c1", "stats"), Payload: 2})
	assert.Equal(t, 2, recv(t, other).Payload)
	assert.Equal(t, 2, recv(t, rest).Payload)
	expectNone(t, exact)
	expectNone(t, one)
}

func TestPublish_WildcardTopicIgnored(t *testing.T) {
	b := New(4)
	c := b.NewConnection("test")
	s := c.Subscribe(T("#"))

	c.Publish(&Message{Topic: T("i2c", "+"), Payload: "x", Retained: true})
	expectNone(t, s)
	_, ok := b.Retained(T("i2c", "+"))
	assert.False(t, ok)
}

func TestRetained_DeliveredOnSubscribeAndCleared(t *testing.T) {
	b := New(4)
	c := b.NewConnection("test")

	c.Publish(&Message{Topic: T("i2c", "i2c0", "stats"), Payload: "a", Retained: true})
	c.Publish(&Message{Topic: T("i2c", "i2c1", "stats"), Payload: "b", Retained: true})
	c.Publish(&Message{Topic: T("i2c", "i2c0", "stats"), Payload: "a2", Retained: true})

	s := c.Subscribe(T("i2c", "+", "stats"))
	got := []any{recv(t, s).Payload, recv(t, s).Payload}
	assert.ElementsMatch(t, []any{"a2", "b"}, got)
	expectNone(t, s)

	m, ok := b.Retained(T("i2c", "i2c0", "stats"))
	require.True(t, ok)
	assert.Equal(t, "a2", m.Payload)

	c.Publish(&Message{Topic: T("i2c", "i2c0", "stats"), Retained: true})
	_, ok = b.Retained(T("i2c", "i2c0", "stats"))
	assert.False(t, ok)

	late := c.Subscribe(T("i2c", "#"))
	assert.Equal(t, "b", recv(t, late).Payload)
	expectNone(t, late)
}

func TestFullQueue_DropsOldest(t *testing.T) {
	b := New(2)
	c := b.NewConnection("test")
	s := c.Subscribe(T("tx"))

	for i := 0; i < 5; i++ {
		c.Publish(&Message{Topic: T("tx"), Payload: i})
	}
	assert.Equal(t, 3, recv(t, s).Payload)
	assert.Equal(t, 4, recv(t, s).Payload)
	assert.Equal(t, uint32(3), s.Dropped())
}

func TestUnsubscribe_ClosesAndPrunes(t *testing.T) {
	b := New(2)
	c := b.NewConnection("test")
	s := c.Subscribe(T("i2c", "i2c0", "tx"))

	s.Unsubscribe()
	_, ok := <-s.Channel()
	assert.False(t, ok)
	assert.Empty(t, b.root.children)

	// Second unsubscribe is a no-op.
	s.Unsubscribe()
	c.Publish(&Message{Topic: T("i2c", "i2c0", "tx"), Payload: 1})
}

func TestDisconnect_ClosesAll(t *testing.T) {
	b := New(2)
	c := b.NewConnection("cli")
	assert.Equal(t, "cli", c.ID())
	s1 := c.Subscribe(T("a"))
	s2 := c.Subscribe(T("b", "#"))

	c.Disconnect()
	_, ok1 := <-s1.Channel()
	_, ok2 := <-s2.Channel()
	assert.False(t, ok1)
	assert.False(t, ok2)

	c.Publish(&Message{Topic: T("a"), Payload: 1})
}

func TestRetainedSurvivesPrune(t *testing.T) {
	b := New(2)
	c := b.NewConnection("test")
	c.Publish(&Message{Topic: T("i2c", "i2c0", "stats"), Payload: 7, Retained: true})
	s := c.Subscribe(T("i2c", "i2c0", "stats"))
	assert.Equal(t, 7, recv(t, s).Payload)
	s.Unsubscribe()

	m, ok := b.Retained(T("i2c", "i2c0", "stats"))
	require.True(t, ok)
	assert.Equal(t, 7, m.Payload)
}
