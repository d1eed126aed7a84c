package bus

import (
	"testing"
	"time"

	"github.com/dbtap/dbtap/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPublishFanOut(t *testing.T) {
	b := New(zaptest.NewLogger(t))
	defer b.Close()

	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel1()
	defer cancel2()

	b.Publish(models.Event{Type: models.EventProxyStarted, ProxyPort: 15432})

	for _, ch := range []<-chan models.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, models.EventProxyStarted, ev.Type)
			assert.Equal(t, uint16(15432), ev.ProxyPort)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("expected event was not delivered")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New(zaptest.NewLogger(t))
	defer b.Close()

	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Second publish overflows the buffer and must be dropped.
		b.Publish(models.Event{Type: models.EventQuery})
		b.Publish(models.Event{Type: models.EventQuery})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New(zaptest.NewLogger(t))
	defer b.Close()
	b.Publish(models.Event{Type: models.EventQuery})
}

func TestCancelClosesChannel(t *testing.T) {
	b := New(zaptest.NewLogger(t))
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	cancel()

	_, open := <-ch
	require.False(t, open)

	// cancelling twice is harmless
	cancel()
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := New(zaptest.NewLogger(t))
	ch, _ := b.Subscribe(1)
	b.Close()

	_, open := <-ch
	assert.False(t, open)

	// publish after close is a no-op
	b.Publish(models.Event{Type: models.EventQuery})
}
