package events_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/events"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func frame(jobID string, typ domain.EventType) domain.Event {
	return domain.Event{JobID: jobID, Type: typ, TS: time.Now().UTC()}
}

func TestHub_DeliversPerJob(t *testing.T) {
	hub := events.NewHub(discardLogger())
	subA := hub.Subscribe("job-a")
	defer subA.Close()
	subB := hub.Subscribe("job-b")
	defer subB.Close()

	hub.Publish(context.Background(), frame("job-a", domain.EventNodeStarted))

	select {
	case ev := <-subA.C():
		assert.Equal(t, "job-a", ev.JobID)
		assert.Equal(t, domain.EventNodeStarted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("job-a subscriber got nothing")
	}
	select {
	case ev := <-subB.C():
		t.Fatalf("job-b subscriber must stay silent, got %s", ev.Type)
	default:
	}
}

func TestHub_FirehoseSeesEveryJob(t *testing.T) {
	hub := events.NewHub(discardLogger())
	all := hub.Subscribe("")
	defer all.Close()

	hub.Publish(context.Background(), frame("job-a", domain.EventWorkflowStarted))
	hub.Publish(context.Background(), frame("job-b", domain.EventWorkflowCompleted))

	got := []string{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-all.C():
			got = append(got, ev.JobID)
		case <-time.After(time.Second):
			t.Fatal("firehose subscriber starved")
		}
	}
	assert.Equal(t, []string{"job-a", "job-b"}, got)
}

func TestHub_SlowSubscriberOverflow(t *testing.T) {
	hub := events.NewHub(discardLogger())
	sub := hub.SubscribeBuffered("job-a", 2)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		hub.Publish(context.Background(), frame("job-a", domain.EventVariableSet))
	}
	assert.Equal(t, int64(3), sub.Dropped())

	// Drain the two buffered frames, then the next publish must deliver
	// the overflow accounting before the fresh frame.
	<-sub.C()
	<-sub.C()
	hub.Publish(context.Background(), frame("job-a", domain.EventNodeCompleted))

	ev := <-sub.C()
	require.Equal(t, domain.EventOverflow, ev.Type)
	assert.Equal(t, int64(3), ev.Payload["dropped"])
	assert.Zero(t, sub.Dropped())

	ev = <-sub.C()
	assert.Equal(t, domain.EventNodeCompleted, ev.Type)
}

func TestHub_CloseUnsubscribes(t *testing.T) {
	hub := events.NewHub(discardLogger())
	sub := hub.Subscribe("job-a")
	require.Equal(t, 1, hub.Subscribers())

	sub.Close()
	assert.Zero(t, hub.Subscribers())

	// Publishing after close must not panic or deliver.
	hub.Publish(context.Background(), frame("job-a", domain.EventNodeStarted))
	_, open := <-sub.C()
	assert.False(t, open)
}

func TestHub_ConcurrentPublishers(t *testing.T) {
	hub := events.NewHub(discardLogger())
	sub := hub.SubscribeBuffered("job-a", 512)
	defer sub.Close()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				hub.Publish(context.Background(), frame("job-a", domain.EventVariableSet))
			}
		}()
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.C():
			received++
		default:
			assert.Equal(t, 400, received)
			assert.Zero(t, sub.Dropped())
			return
		}
	}
}
