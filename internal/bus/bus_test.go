package bus

import (
	"testing"
	"time"

	"intraday_trader/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(logging.NewNop())
	defer b.Close()

	ch, cancel := b.Subscribe("ticks", 4)
	defer cancel()

	b.Publish("ticks", "t1")
	b.Publish("other", "ignored")

	select {
	case msg := <-ch:
		assert.Equal(t, "t1", msg)
	case <-time.After(time.Second):
		t.Fatal("expected message on ticks")
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New(logging.NewNop())
	defer b.Close()

	_, cancel := b.Subscribe("ticks", 2)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("ticks", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	assert.Equal(t, int64(98), b.Dropped("ticks"))
}

func TestCancelDetachesSubscriber(t *testing.T) {
	b := New(logging.NewNop())
	defer b.Close()

	ch, cancel := b.Subscribe("ticks", 1)
	cancel()

	_, open := <-ch
	require.False(t, open)

	b.Publish("ticks", "t1")
	assert.Equal(t, int64(0), b.Dropped("ticks"))
}
