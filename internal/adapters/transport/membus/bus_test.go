package membus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/walletd/internal/ports"
)

func collect(t *testing.T, conn ports.Transport, destination string) <-chan ports.Message {
	t.Helper()

	ch := make(chan ports.Message, 64)
	require.NoError(t, conn.Subscribe(destination, func(msg ports.Message) {
		ch <- msg
	}))
	return ch
}

func receive(t *testing.T, ch <-chan ports.Message) ports.Message {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return ports.Message{}
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	sub, err := broker.Dial(context.Background())
	require.NoError(t, err)
	pub, err := broker.Dial(context.Background())
	require.NoError(t, err)

	ch := collect(t, sub, "/queue/a")
	for _, body := range []string{"1", "2", "3"} {
		require.NoError(t, pub.Publish(context.Background(), "/queue/a", map[string]string{"k": "v"}, []byte(body)))
	}

	for _, want := range []string{"1", "2", "3"} {
		msg := receive(t, ch)
		assert.Equal(t, want, string(msg.Body))
		assert.Equal(t, "/queue/a", msg.Destination)
		assert.Equal(t, "v", msg.Headers["k"])
	}
}

func TestMailboxHoldsMessagesUntilFirstSubscriber(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	pub, err := broker.Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), "/queue/late", nil, []byte("early")))
	assert.Equal(t, 1, broker.Pending("/queue/late"))

	sub, err := broker.Dial(context.Background())
	require.NoError(t, err)
	ch := collect(t, sub, "/queue/late")

	assert.Equal(t, "early", string(receive(t, ch).Body))
	assert.Equal(t, 0, broker.Pending("/queue/late"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	conn, err := broker.Dial(context.Background())
	require.NoError(t, err)

	ch := collect(t, conn, "/topic/x")
	require.NoError(t, conn.Unsubscribe("/topic/x"))
	require.NoError(t, conn.Publish(context.Background(), "/topic/x", nil, []byte("after")))

	select {
	case msg := <-ch:
		t.Fatalf("unexpected delivery %q", msg.Body)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, broker.Pending("/topic/x"))
}

func TestClosedConnRejectsUse(t *testing.T) {
	t.Parallel()

	conn, err := NewBroker().Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	require.ErrorIs(t, conn.Publish(context.Background(), "/queue/a", nil, nil), ErrClosed)
	require.ErrorIs(t, conn.Subscribe("/queue/a", func(ports.Message) {}), ErrClosed)
}

func TestDuplicateSubscriptionRejected(t *testing.T) {
	t.Parallel()

	conn, err := NewBroker().Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Subscribe("/queue/a", func(ports.Message) {}))
	require.Error(t, conn.Subscribe("/queue/a", func(ports.Message) {}))
}

func TestFanOutToEverySubscriber(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	first, err := broker.Dial(context.Background())
	require.NoError(t, err)
	second, err := broker.Dial(context.Background())
	require.NoError(t, err)

	ch1 := collect(t, first, "/topic/Blocks")
	ch2 := collect(t, second, "/topic/Blocks")
	require.NoError(t, first.Publish(context.Background(), "/topic/Blocks", nil, []byte("b")))

	assert.Equal(t, "b", string(receive(t, ch1).Body))
	assert.Equal(t, "b", string(receive(t, ch2).Body))
}
