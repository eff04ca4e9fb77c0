package bridge

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTTSQueueSerializesPlayback(t *testing.T) {
	q := newTTSQueue(&streamState{})
	defer q.shutdown()

	var running int32
	var maxConcurrent int32
	var completed int32

	for i := 0; i < 5; i++ {
		q.enqueue(func(signal <-chan struct{}) error {
			n := atomic.AddInt32(&running, 1)
			if n > atomic.LoadInt32(&maxConcurrent) {
				atomic.StoreInt32(&maxConcurrent, n)
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&completed, 1)
			return nil
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&completed) < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if completed != 5 {
		t.Fatalf("expected 5 completed operations, got %d", completed)
	}
	if maxConcurrent > 1 {
		t.Fatalf("expected at most 1 concurrent operation, saw %d", maxConcurrent)
	}
}

func TestTTSQueueClearAbortsAndDropsWithoutError(t *testing.T) {
	q := newTTSQueue(&streamState{})
	defer q.shutdown()

	started := make(chan struct{})
	aborted := make(chan bool, 1)

	q.enqueue(func(signal <-chan struct{}) error {
		close(started)
		select {
		case <-signal:
			aborted <- true
		case <-time.After(2 * time.Second):
			aborted <- false
		}
		return nil
	})

	var droppedRan int32
	q.enqueue(func(signal <-chan struct{}) error {
		atomic.AddInt32(&droppedRan, 1)
		return nil
	})

	<-started
	q.clear()

	select {
	case wasAborted := <-aborted:
		if !wasAborted {
			t.Fatal("expected in-flight operation's abort signal to fire")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for abort")
	}

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&droppedRan) != 0 {
		t.Fatal("expected queued-but-not-started operation to be dropped, not run")
	}
}
