package netstack

import (
	"testing"
	"time"
)

var rtxTestID = fourTuple{
	localAddr:  [4]byte{10, 0, 0, 4},
	remoteAddr: [4]byte{10, 0, 0, 1},
	localPort:  5501,
	remotePort: 40000,
}

func TestRetransmitDequeueFiresImmediately(t *testing.T) {
	q := newRetransmitQueue(10 * time.Millisecond)
	defer q.close()

	q.enqueue(rtxTestID, 101, []byte("segment"))

	start := time.Now()
	e := q.dequeue()
	if e == nil {
		t.Fatalf("dequeue returned nil")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("first dequeue took %v, want immediate", elapsed)
	}
	if e.endSeq != 101 || e.retryCount != 1 {
		t.Fatalf("entry = endSeq %d retry %d", uint32(e.endSeq), e.retryCount)
	}
	if q.pendingCount(rtxTestID) != 1 {
		t.Fatalf("entry must remain queued after dequeue")
	}
}

func TestRetransmitBackoffDeadlinesNonDecreasing(t *testing.T) {
	const rto = 5 * time.Millisecond
	q := newRetransmitQueue(rto)
	defer q.close()

	q.enqueue(rtxTestID, 200, []byte("x"))

	var last time.Time
	for i := 1; i <= 10; i++ {
		e := q.dequeue()
		if e == nil {
			t.Fatalf("queue closed unexpectedly")
		}
		wantRetry := i
		if wantRetry > maxRetryCap {
			wantRetry = maxRetryCap
		}
		if e.retryCount != wantRetry {
			t.Fatalf("fire %d: retryCount = %d, want %d", i, e.retryCount, wantRetry)
		}
		if !last.IsZero() && e.deadline.Before(last) {
			t.Fatalf("fire %d: deadline moved backwards", i)
		}
		last = e.deadline
	}
}

func TestRetransmitCumulativeAckEvicts(t *testing.T) {
	q := newRetransmitQueue(time.Hour) // deadlines never fire again
	defer q.close()

	q.enqueue(rtxTestID, 100, []byte("a"))
	q.enqueue(rtxTestID, 200, []byte("b"))
	q.enqueue(rtxTestID, 300, []byte("c"))

	otherID := rtxTestID
	otherID.remotePort = 40001
	q.enqueue(otherID, 150, []byte("other"))

	q.ack(rtxTestID, 200)

	if n := q.pendingCount(rtxTestID); n != 1 {
		t.Fatalf("pending after ack = %d, want 1", n)
	}
	if n := q.pendingCount(otherID); n != 1 {
		t.Fatalf("ack must not cross connections, pending = %d", n)
	}

	// No entry with endSeq <= the cumulative ack may survive.
	q.mu.Lock()
	for _, e := range q.entries {
		if e.id == rtxTestID && e.endSeq.lessThanEq(200) {
			t.Errorf("entry endSeq %d survived ack 200", uint32(e.endSeq))
		}
	}
	q.mu.Unlock()
}

func TestRetransmitAckWithWrappedSequence(t *testing.T) {
	q := newRetransmitQueue(time.Hour)
	defer q.close()

	q.enqueue(rtxTestID, seqNum(0xfffffffe), []byte("pre-wrap"))
	q.enqueue(rtxTestID, seqNum(10), []byte("post-wrap"))

	q.ack(rtxTestID, seqNum(2)) // covers 0xfffffffe but not 10

	if n := q.pendingCount(rtxTestID); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
}

func TestRetransmitPurge(t *testing.T) {
	q := newRetransmitQueue(time.Hour)
	defer q.close()

	q.enqueue(rtxTestID, 100, []byte("a"))
	q.enqueue(rtxTestID, 200, []byte("b"))
	q.purge(rtxTestID)

	if n := q.pendingCount(rtxTestID); n != 0 {
		t.Fatalf("pending after purge = %d", n)
	}
}

func TestRetransmitInsertionOrderTieBreak(t *testing.T) {
	q := newRetransmitQueue(time.Hour)
	defer q.close()

	// Same deadline resolution: entries enqueued back to back must fire in
	// insertion order.
	q.enqueue(rtxTestID, 100, []byte("first"))
	q.enqueue(rtxTestID, 200, []byte("second"))

	if e := q.dequeue(); e.endSeq != 100 {
		t.Fatalf("first fire endSeq = %d", uint32(e.endSeq))
	}
}

func TestRetransmitEnqueueWakesBlockedDequeue(t *testing.T) {
	q := newRetransmitQueue(10 * time.Millisecond)
	defer q.close()

	got := make(chan *retransmitEntry, 1)
	go func() { got <- q.dequeue() }()

	time.Sleep(20 * time.Millisecond)
	q.enqueue(rtxTestID, 42, []byte("late"))

	select {
	case e := <-got:
		if e == nil || e.endSeq != 42 {
			t.Fatalf("unexpected entry %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("dequeue not woken by enqueue")
	}
}

func TestRetransmitCloseUnblocksDequeue(t *testing.T) {
	q := newRetransmitQueue(10 * time.Millisecond)

	got := make(chan *retransmitEntry, 1)
	go func() { got <- q.dequeue() }()

	time.Sleep(20 * time.Millisecond)
	q.close()

	select {
	case e := <-got:
		if e != nil {
			t.Fatalf("expected nil from closed queue, got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("dequeue not released by close")
	}
}
