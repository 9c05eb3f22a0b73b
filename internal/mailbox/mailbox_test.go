package mailbox

import (
	"testing"
	"time"

	"ember/relay/internal/protocol"
)

func TestEnqueueFetchAck(t *testing.T) {
	t.Parallel()

	q := New(TTL)
	defer q.Stop()

	if !q.Enqueue("fpB", "fpA", "E1", "m1") {
		t.Fatal("first enqueue should be delivered")
	}
	if !q.Enqueue("fpB", "fpA", "E2", "m2") {
		t.Fatal("second enqueue should be delivered")
	}

	msgs := q.Fetch("fpB")
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("unexpected fetch result: %+v", msgs)
	}

	q.Ack("fpB", []string{"m1"})
	msgs = q.Fetch("fpB")
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Fatalf("expected only m2 after ack, got %+v", msgs)
	}

	q.Ack("fpB", []string{"m2"})
	if len(q.Fetch("fpB")) != 0 {
		t.Fatal("mailbox should be empty after final ack")
	}
	if q.Mailboxes() != 0 {
		t.Fatalf("emptied mailbox must be dropped, %d remain", q.Mailboxes())
	}
}

func TestEnqueueDuplicateIsNoop(t *testing.T) {
	t.Parallel()

	q := New(TTL)
	defer q.Stop()

	if !q.Enqueue("fpB", "fpA", "E1", "m1") {
		t.Fatal("first enqueue should be delivered")
	}
	if q.Enqueue("fpB", "fpA", "E1", "m1") {
		t.Fatal("repeated messageId must report duplicate")
	}
	if got := len(q.Fetch("fpB")); got != 1 {
		t.Fatalf("duplicate must not grow the mailbox, got %d messages", got)
	}
}

func TestFetchDoesNotMutate(t *testing.T) {
	t.Parallel()

	q := New(TTL)
	defer q.Stop()

	q.Enqueue("fpB", "fpA", "E1", "m1")
	if len(q.Fetch("fpB")) != 1 {
		t.Fatal("expected one message")
	}
	if len(q.Fetch("fpB")) != 1 {
		t.Fatal("fetch must not consume messages")
	}
}

func TestAckRemovesExactlyNamedIDs(t *testing.T) {
	t.Parallel()

	q := New(TTL)
	defer q.Stop()

	q.Enqueue("fpB", "fpA", "E1", "m1")
	q.Enqueue("fpB", "fpA", "E2", "m2")
	q.Enqueue("fpB", "fpA", "E3", "m3")

	q.Ack("fpB", []string{"m2", "m9"})

	msgs := q.Fetch("fpB")
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m3" {
		t.Fatalf("expected m1 and m3 to survive, got %+v", msgs)
	}
}

func TestExpiredMessagesUnfetchable(t *testing.T) {
	t.Parallel()

	q := New(30 * time.Millisecond)
	defer q.Stop()

	q.Enqueue("fpB", "fpA", "E1", "m1")
	time.Sleep(60 * time.Millisecond)

	if got := len(q.Fetch("fpB")); got != 0 {
		t.Fatalf("expired message still fetchable: %d", got)
	}

	q.sweep(time.Now())
	if q.Mailboxes() != 0 {
		t.Fatalf("sweeper must drop emptied mailboxes, %d remain", q.Mailboxes())
	}
}

func TestLivePushFollowsEnqueue(t *testing.T) {
	t.Parallel()

	q := New(TTL)
	defer q.Stop()

	s := q.Attach("fpB")
	defer q.Detach(s)

	greeting := readFrame(t, s)
	if greeting.Type != protocol.TypeConnected || greeting.Fingerprint != "fpB" {
		t.Fatalf("expected connected greeting first, got %+v", greeting)
	}

	q.Enqueue("fpB", "fpA", "E1", "m1")

	push := readFrame(t, s)
	if push.Type != protocol.TypeNewMessage || push.Message == nil {
		t.Fatalf("expected newMessage push, got %+v", push)
	}
	if push.Message.ID != "m1" || push.Message.From != "fpA" || push.Message.Payload != "E1" {
		t.Fatalf("unexpected push payload: %+v", push.Message)
	}

	// The push is a copy; the stored message stays until acked.
	if got := len(q.Fetch("fpB")); got != 1 {
		t.Fatalf("live push must not dequeue, got %d messages", got)
	}
}

func TestAttachReplacesAndStaleDetachIsSafe(t *testing.T) {
	t.Parallel()

	q := New(TTL)
	defer q.Stop()

	s1 := q.Attach("fpB")
	readFrame(t, s1)

	s2 := q.Attach("fpB")
	readFrame(t, s2)

	q.Enqueue("fpB", "fpA", "E1", "m1")
	if f := readFrame(t, s2); f.Type != protocol.TypeNewMessage {
		t.Fatalf("push must land on the newest session, got %+v", f)
	}
	assertNoFrame(t, s1)

	// The replaced socket closing later must not evict its successor.
	q.Detach(s1)
	q.Enqueue("fpB", "fpA", "E2", "m2")
	if f := readFrame(t, s2); f.Type != protocol.TypeNewMessage || f.Message.ID != "m2" {
		t.Fatalf("successor session lost pushes after stale detach: %+v", f)
	}

	q.Detach(s2)
	if q.Sessions() != 0 {
		t.Fatalf("expected no live sessions, got %d", q.Sessions())
	}
}

func TestPushToDetachedSessionDropped(t *testing.T) {
	t.Parallel()

	q := New(TTL)
	defer q.Stop()

	s := q.Attach("fpB")
	readFrame(t, s)
	q.Detach(s)

	// No session is attached; the enqueue must still succeed.
	if !q.Enqueue("fpB", "fpA", "E1", "m1") {
		t.Fatal("enqueue without live session should be delivered")
	}
	if got := len(q.Fetch("fpB")); got != 1 {
		t.Fatalf("message must be stored, got %d", got)
	}
}

func readFrame(t *testing.T, s *Session) protocol.ChatFrame {
	t.Helper()
	select {
	case f, ok := <-s.Send:
		if !ok {
			t.Fatal("session channel closed unexpectedly")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return protocol.ChatFrame{}
}

func assertNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case f := <-s.Send:
		t.Fatalf("unexpected frame: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}
