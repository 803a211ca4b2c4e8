package router

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josedab/docsynth-realtime/pkg/wire"
)

// Fixed ID generation for testing
func init() {
	var counter int
	generateID = func() string {
		counter++
		return fmt.Sprintf("test-subscription-id-%d", counter)
	}
}

func jobFrame(t *testing.T, ftype, jobID, stage string) *wire.Frame {
	t.Helper()

	data, err := json.Marshal(wire.JobProgress{JobID: jobID, Stage: stage})
	require.NoError(t, err)
	return &wire.Frame{Type: ftype, Data: data}
}

func TestRouterSubscribe(t *testing.T) {
	router := NewRouter()

	sub := router.Subscribe()

	assert.Contains(t, sub.ID, "test-subscription-id")
	assert.NotNil(t, sub.Frames)

	router.mu.RLock()
	defer router.mu.RUnlock()
	assert.Contains(t, router.subs, sub.ID)
}

func TestRouterUnsubscribe(t *testing.T) {
	router := NewRouter()

	sub := router.Subscribe()
	router.Unsubscribe(sub.ID)

	router.mu.RLock()
	assert.NotContains(t, router.subs, sub.ID)
	router.mu.RUnlock()

	// Channel is closed
	_, open := <-sub.Frames
	assert.False(t, open)
}

func TestRouterDispatchFansOutToAllSubscribers(t *testing.T) {
	router := NewRouter()

	sub1 := router.Subscribe()
	sub2 := router.Subscribe()

	f := &wire.Frame{Type: "job:update", Channel: "job:42"}
	router.Dispatch(f)

	for i, sub := range []*Subscription{sub1, sub2} {
		select {
		case got := <-sub.Frames:
			assert.Equal(t, f, got, "subscriber %d", i)
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for frame on subscription %d", i)
		}
	}
}

func TestRouterDoesNotPreFilter(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe()

	// Every frame reaches every subscriber regardless of type or channel
	router.Dispatch(&wire.Frame{Type: "chat:something", Channel: "chat:7"})
	router.Dispatch(&wire.Frame{Type: "drift:detected"})

	assert.Equal(t, "chat:something", (<-sub.Frames).Type)
	assert.Equal(t, "drift:detected", (<-sub.Frames).Type)
}

func TestRouterFullBuffer(t *testing.T) {
	router := NewRouter(Config{MaxBufferSize: 1})
	sub := router.Subscribe()

	f1 := &wire.Frame{Type: "one"}
	f2 := &wire.Frame{Type: "two"}

	router.Dispatch(f1)
	// Buffer is full; this frame is dropped without blocking
	router.Dispatch(f2)

	select {
	case got := <-sub.Frames:
		assert.Equal(t, f1, got)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for frame")
	}

	select {
	case got := <-sub.Frames:
		t.Fatalf("Unexpected frame received: %v", got)
	case <-time.After(50 * time.Millisecond):
		// Expected: second frame was dropped
	}
}

func TestRouterShutdown(t *testing.T) {
	router := NewRouter()

	sub1 := router.Subscribe()
	sub2 := router.Subscribe()
	assert.NotEqual(t, sub1.ID, sub2.ID)

	router.Shutdown()

	router.mu.RLock()
	assert.Empty(t, router.subs)
	router.mu.RUnlock()

	_, open := <-sub1.Frames
	assert.False(t, open)
	_, open = <-sub2.Frames
	assert.False(t, open)
}

func TestSubscribeJobFiltersByID(t *testing.T) {
	router := NewRouter()

	js := router.SubscribeJob("job-42")
	defer js.Close()

	router.Dispatch(jobFrame(t, wire.EventJobUpdate, "job-42", "analyzing"))
	router.Dispatch(jobFrame(t, wire.EventJobUpdate, "job-99", "other"))
	router.Dispatch(&wire.Frame{Type: "drift:detected"})
	router.Dispatch(jobFrame(t, wire.EventJobCompleted, "job-42", "done"))

	var got []wire.JobProgress
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case p := <-js.Updates:
			got = append(got, p)
		case <-timeout:
			t.Fatal("Timeout waiting for job updates")
		}
	}

	assert.Equal(t, "analyzing", got[0].Stage)
	assert.False(t, got[0].Done)
	assert.Equal(t, "done", got[1].Stage)
	assert.True(t, got[1].Done, "job:completed marks the update done")

	select {
	case p := <-js.Updates:
		t.Fatalf("Unexpected update received: %v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeJobCompletedWithoutUpdate(t *testing.T) {
	router := NewRouter()

	js := router.SubscribeJob("job-7")
	defer js.Close()

	// Consumers must tolerate a completion arriving with no prior update
	router.Dispatch(jobFrame(t, wire.EventJobCompleted, "job-7", "done"))

	select {
	case p := <-js.Updates:
		assert.True(t, p.Done)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for completion")
	}
}
