package mailbox

import (
	"log/slog"
	"sync"
	"time"

	"ember/relay/internal/ident"
	"ember/relay/internal/metrics"
	"ember/relay/internal/protocol"
)

const (
	// TTL is how long an unacknowledged message stays fetchable.
	TTL = 7 * 24 * time.Hour
	// SweepPeriod is how often expired messages are dropped.
	SweepPeriod = time.Minute
	// SendTimeout bounds how long a live push may block on one session.
	SendTimeout = 50 * time.Millisecond
	// sendBuffer is the per-session outbound frame queue length.
	sendBuffer = 64
)

// Message is one queued chat payload.
type Message struct {
	ID        string
	From      string
	Payload   string
	Timestamp time.Time
}

// Session is one attached chat socket. A writer goroutine owned by the
// transport drains Send; frames are dropped rather than block when the
// socket cannot keep up.
type Session struct {
	Fingerprint string
	Send        chan protocol.ChatFrame
}

// Queue is the per-recipient store-and-forward table plus the live chat
// socket registry riding on top of it. The stored mailbox is the source of
// truth; a live push is an optimization and never replaces the stored
// copy.
type Queue struct {
	mu       sync.Mutex
	ttl      time.Duration
	boxes    map[string][]Message
	sessions map[string]*Session
	done     chan struct{}
}

// New returns an empty queue whose messages expire after ttl and starts
// its sweeper.
func New(ttl time.Duration) *Queue {
	q := &Queue{
		ttl:      ttl,
		boxes:    make(map[string][]Message),
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	go q.sweeper()
	return q
}

// Enqueue appends a message to the recipient's mailbox, then pushes a copy
// to their live session when one is attached. A messageID already present
// in the mailbox makes Enqueue a no-op returning false; clients retry on
// transport failures and the repeat must not store a second copy.
func (q *Queue) Enqueue(to, from, payload, messageID string) bool {
	q.mu.Lock()
	for _, m := range q.boxes[to] {
		if m.ID == messageID {
			q.mu.Unlock()
			slog.Debug("duplicate message ignored", "to", ident.Short(to), "message_id", ident.Short(messageID))
			return false
		}
	}
	q.boxes[to] = append(q.boxes[to], Message{
		ID:        messageID,
		From:      from,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	session := q.sessions[to]
	q.mu.Unlock()

	slog.Debug("message queued", "to", ident.Short(to), "message_id", ident.Short(messageID))

	// The message is committed to the mailbox before any push attempt, so
	// a failed or dropped push leaves it fetchable.
	if session != nil {
		pushed := trySend(session.Send, protocol.ChatFrame{
			Type:    protocol.TypeNewMessage,
			Message: &protocol.PushMessage{ID: messageID, From: from, Payload: payload},
		})
		if pushed {
			metrics.LivePushes.Inc()
		} else {
			slog.Debug("live push dropped", "to", ident.Short(to))
		}
	}
	return true
}

// Fetch returns the recipient's non-expired messages in insertion order.
// It never mutates the mailbox.
func (q *Queue) Fetch(to string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	box := q.boxes[to]
	cutoff := time.Now().Add(-q.ttl)
	out := make([]Message, 0, len(box))
	for _, m := range box {
		if m.Timestamp.After(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// Ack removes the named ids from the recipient's mailbox. Unknown ids are
// ignored. A mailbox emptied by the ack is dropped from the table.
func (q *Queue) Ack(to string, ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	box, ok := q.boxes[to]
	if !ok {
		return
	}
	kept := box[:0]
	for _, m := range box {
		if _, acked := drop[m.ID]; !acked {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(q.boxes, to)
		slog.Debug("mailbox emptied", "to", ident.Short(to))
		return
	}
	q.boxes[to] = kept
}

// Attach registers a live session for fp, replacing any existing one. The
// replaced session keeps its socket; it simply stops receiving pushes and
// is expected to detach itself when its socket eventually closes.
//
// The connected greeting is queued before the session becomes visible so
// no push can precede it.
func (q *Queue) Attach(fp string) *Session {
	s := &Session{
		Fingerprint: fp,
		Send:        make(chan protocol.ChatFrame, sendBuffer),
	}
	s.Send <- protocol.ChatFrame{Type: protocol.TypeConnected, Fingerprint: fp}

	q.mu.Lock()
	_, replaced := q.sessions[fp]
	q.sessions[fp] = s
	q.mu.Unlock()

	slog.Info("chat session attached", "fp", ident.Short(fp), "replaced", replaced)
	return s
}

// Detach closes the session's channel and clears its live registration.
// The map entry is removed only if s is still the registered session, so a
// stale close from a replaced socket cannot evict its successor.
func (q *Queue) Detach(s *Session) {
	q.mu.Lock()
	if q.sessions[s.Fingerprint] == s {
		delete(q.sessions, s.Fingerprint)
	}
	q.mu.Unlock()

	close(s.Send)
	slog.Info("chat session detached", "fp", ident.Short(s.Fingerprint))
}

// Sessions reports how many live chat sockets are attached.
func (q *Queue) Sessions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sessions)
}

// Mailboxes reports how many recipients currently have queued messages.
func (q *Queue) Mailboxes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.boxes)
}

// Stop halts the sweeper. Queued messages remain fetchable.
func (q *Queue) Stop() {
	close(q.done)
}

func (q *Queue) sweeper() {
	ticker := time.NewTicker(SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case now := <-ticker.C:
			q.sweep(now)
		}
	}
}

func (q *Queue) sweep(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-q.ttl)
	dropped := 0
	for fp, box := range q.boxes {
		kept := box[:0]
		for _, m := range box {
			if m.Timestamp.After(cutoff) {
				kept = append(kept, m)
			}
		}
		dropped += len(box) - len(kept)
		if len(kept) == 0 {
			delete(q.boxes, fp)
			continue
		}
		q.boxes[fp] = kept
	}
	if dropped > 0 {
		slog.Debug("mailboxes swept", "dropped", dropped, "mailboxes", len(q.boxes))
	}
}

// trySend delivers f unless the session is saturated or already closed. A
// send to a closed channel is recovered and reported as a drop.
func trySend(ch chan protocol.ChatFrame, f protocol.ChatFrame) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- f:
		return true
	case <-time.After(SendTimeout):
		return false
	}
}
