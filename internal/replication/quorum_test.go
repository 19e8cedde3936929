package replication

import (
	"testing"
	"time"
)

func TestQuorumAckReachesNeeded(t *testing.T) {
	q := newQuorum(2, time.Time{}, false)
	q.Ack()
	if q.Acked() != 1 {
		t.Fatalf("expected 1 ack, got %d", q.Acked())
	}
	q.Ack()
	if q.Wait() != 2 {
		t.Fatalf("expected 2 acks, got %d", q.Acked())
	}
}

func TestQuorumAckPastNeededIsNoop(t *testing.T) {
	q := newQuorum(1, time.Time{}, false)
	q.Ack()
	q.Ack()
	if q.Acked() != 1 {
		t.Fatalf("expected extra Ack to be a no-op, got %d", q.Acked())
	}
}

func TestQuorumWaitNoDeadlineReturnsImmediately(t *testing.T) {
	q := newQuorum(5, time.Time{}, false)
	q.Ack()
	if got := q.Wait(); got != 1 {
		t.Fatalf("expected immediate return with current ack count 1, got %d", got)
	}
}

func TestQuorumWaitTimesOut(t *testing.T) {
	q := newQuorum(5, time.Now().Add(20*time.Millisecond), true)
	start := time.Now()
	got := q.Wait()
	if got != 0 {
		t.Fatalf("expected 0 acks at timeout, got %d", got)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Wait took far longer than its deadline")
	}
}

func TestQuorumWaitReturnsOnceSatisfied(t *testing.T) {
	q := newQuorum(1, time.Now().Add(time.Second), true)
	go func() {
		time.Sleep(5 * time.Millisecond)
		q.Ack()
	}()
	if got := q.Wait(); got != 1 {
		t.Fatalf("expected 1 ack, got %d", got)
	}
}
