package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublicationOrder(t *testing.T) {
	bus := NewBus(16, time.Minute, nil, nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe("job-1")
	defer cancel()

	bus.JobStarted("job-1", "https://example.com/a")
	bus.StageStarted("job-1", "extract")
	bus.StageProgress("job-1", "extract", 15, "")
	bus.StageCompleted("job-1", "extract", 200*time.Millisecond)
	bus.JobCompleted("job-1", time.Second, Result{DocID: "urn:ct:doc:aaaa", Tier: "B", Title: "T"})

	var kinds []EventKind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{
		EventJobStarted, EventStageStarted, EventStageProgress,
		EventStageCompleted, EventJobCompleted,
	}, kinds)
}

func TestBus_TerminalEventClosesStream(t *testing.T) {
	bus := NewBus(16, time.Minute, nil, nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe("job-2")
	defer cancel()

	bus.JobFailed("job-2", "extract", "extraction_error", "fetch returned status 404")

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, "extraction_error", ev.ErrorKind)
	assert.True(t, ev.Terminal())

	_, open := <-ch
	assert.False(t, open, "stream should close after a terminal event")
}

func TestBus_SlowSubscriberDropped(t *testing.T) {
	bus := NewBus(2, time.Minute, nil, nil)
	defer bus.Close()

	slow, cancelSlow := bus.Subscribe("job-3")
	defer cancelSlow()
	fast, cancelFast := bus.Subscribe("job-3")
	defer cancelFast()

	// Fill the slow subscriber's buffer without draining it.
	for i := 0; i < 5; i++ {
		bus.StageProgress("job-3", "chunk_embed", 30+i, "")
	}

	// The fast subscriber drains everything published so far.
	drained := 0
	for {
		select {
		case <-fast:
			drained++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 5, drained)

	// The slow one got buffer-size events and then its channel closed.
	received := 0
	closed := false
	for {
		ev, ok := <-slow
		if !ok {
			closed = true
			break
		}
		_ = ev
		received++
	}
	assert.Equal(t, 2, received)
	assert.True(t, closed)

	// Publishing still works for the remaining subscriber.
	bus.StageProgress("job-3", "chunk_embed", 40, "")
	ev := <-fast
	assert.Equal(t, 40, ev.Percent)
}

func TestBus_MultipleSubscribersSameOrder(t *testing.T) {
	bus := NewBus(16, time.Minute, nil, nil)
	defer bus.Close()

	a, cancelA := bus.Subscribe("job-4")
	defer cancelA()
	b, cancelB := bus.Subscribe("job-4")
	defer cancelB()

	bus.JobStarted("job-4", "https://example.com")
	bus.StageStarted("job-4", "screen")
	bus.JobCompleted("job-4", time.Second, Result{DocID: "urn:ct:doc:bbbb"})

	collect := func(ch <-chan Event) []EventKind {
		var kinds []EventKind
		for ev := range ch {
			kinds = append(kinds, ev.Kind)
		}
		return kinds
	}
	assert.Equal(t, collect(a), collect(b))
}

func TestBus_Heartbeat(t *testing.T) {
	bus := NewBus(16, 1500*time.Millisecond, nil, nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe("job-5")
	defer cancel()

	bus.JobStarted("job-5", "https://example.com")
	<-ch // job_started

	select {
	case ev := <-ch:
		assert.Equal(t, EventHeartbeat, ev.Kind)
	case <-time.After(4 * time.Second):
		t.Fatal("no heartbeat within interval")
	}
}

func TestBus_UnsubscribeIdempotent(t *testing.T) {
	bus := NewBus(16, time.Minute, nil, nil)
	defer bus.Close()

	_, cancel := bus.Subscribe("job-6")
	cancel()
	cancel() // second call must not panic

	// Publishing to a job with no subscribers is a no-op.
	bus.StageProgress("job-6", "extract", 10, "")
}
