package queue

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBroker_PublishDeliversToSubscriber(t *testing.T) {
	b := NewLogBroker()
	ch := b.Subscribe("job-1")
	defer b.Unsubscribe("job-1", ch)

	b.Publish("job-1", LogChunk{JobID: "job-1", Seq: 1, Bytes: "hello"})

	select {
	case chunk := <-ch:
		assert.Equal(t, int64(1), chunk.Seq)
		assert.Equal(t, "hello", chunk.Bytes)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk")
	}
}

func TestLogBroker_PublishIgnoresOtherJobs(t *testing.T) {
	b := NewLogBroker()
	ch := b.Subscribe("job-1")
	defer b.Unsubscribe("job-1", ch)

	b.Publish("job-2", LogChunk{JobID: "job-2", Seq: 1})

	select {
	case <-ch:
		t.Fatal("should not have received chunk for a different job")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLogBroker_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewLogBroker()
	ch := b.Subscribe("job-1")
	defer b.Unsubscribe("job-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish("job-1", LogChunk{JobID: "job-1", Seq: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a subscriber that never drained")
	}
}

func TestLogBroker_UnsubscribeClosesChannel(t *testing.T) {
	b := NewLogBroker()
	ch := b.Subscribe("job-1")
	b.Unsubscribe("job-1", ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestWriteSSE_WritesBacklogThenLive(t *testing.T) {
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	live := make(chan LogChunk, 1)
	live <- LogChunk{JobID: "job-1", Seq: 2, Bytes: "live"}
	close(live)

	backlog := []LogChunk{{JobID: "job-1", Seq: 1, Bytes: "backlog"}}
	WriteSSE(rec, done, backlog, live)

	body := rec.Body.String()
	require.Contains(t, body, "backlog")
	assert.Contains(t, body, "live")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}
