package totals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrDisabled is returned by Read when no sink is configured.
var ErrDisabled = errors.New("totals sink not configured")

// Counter names accepted by Increment.
const (
	RoomsCreated       = "rooms_created"
	OtmCreated         = "otm_created"
	FilesCreated       = "files_created"
	ChatInvitesCreated = "chat_invites_created"
	ChatMessagesSent   = "chat_messages_sent"
)

// columns whitelists counter names onto schema columns. Increment refuses
// anything outside this map, so names are never interpolated raw.
var columns = map[string]string{
	RoomsCreated:       "rooms_created",
	OtmCreated:         "otm_created",
	FilesCreated:       "files_created",
	ChatInvitesCreated: "chat_invites_created",
	ChatMessagesSent:   "chat_messages_sent",
}

// queueDepth bounds how many pending increments may back up before new
// ones are dropped.
const queueDepth = 256

// Snapshot is one consistent read of all counters.
type Snapshot struct {
	RoomsCreated       int64 `json:"roomsCreated"`
	OtmCreated         int64 `json:"otmCreated"`
	FilesCreated       int64 `json:"filesCreated"`
	ChatInvitesCreated int64 `json:"chatInvitesCreated"`
	ChatMessagesSent   int64 `json:"chatMessagesSent"`
}

// Sink persists the relay's usage counters in SQLite. Increments are
// applied by a background worker so a slow sink never delays a request.
type Sink struct {
	db    *sql.DB
	queue chan string
	done  chan struct{}
}

// Open opens (or creates) the sink database, seeds the counter row and
// starts the increment worker. An empty path returns a disabled sink:
// Increment is a no-op and Read reports ErrDisabled.
func Open(path string) (*Sink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		slog.Info("totals sink disabled")
		return &Sink{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create totals directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open totals database: %w", err)
	}

	s := &Sink{
		db:    db,
		queue: make(chan string, queueDepth),
		done:  make(chan struct{}),
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.worker()

	slog.Info("totals sink opened", "path", path)
	return s, nil
}

// Close drains queued increments, stops the worker and closes the
// database.
func (s *Sink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	close(s.queue)
	<-s.done
	return s.db.Close()
}

func (s *Sink) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS totals (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	rooms_created INTEGER NOT NULL DEFAULT 0,
	otm_created INTEGER NOT NULL DEFAULT 0,
	files_created INTEGER NOT NULL DEFAULT 0,
	chat_invites_created INTEGER NOT NULL DEFAULT 0,
	chat_messages_sent INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run totals migration: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO totals (id) VALUES (1)`); err != nil {
		return fmt.Errorf("seed totals row: %w", err)
	}
	slog.Debug("totals migration applied")
	return nil
}

// Increment bumps one counter. It never blocks and never fails the
// caller: unknown names and a full queue are logged and dropped.
func (s *Sink) Increment(name string) {
	if s.db == nil {
		return
	}
	if _, ok := columns[name]; !ok {
		slog.Warn("unknown totals counter", "name", name)
		return
	}
	select {
	case s.queue <- name:
	default:
		slog.Warn("totals queue full, increment dropped", "name", name)
	}
}

func (s *Sink) worker() {
	defer close(s.done)
	for name := range s.queue {
		col := columns[name]
		q := fmt.Sprintf(`UPDATE totals SET %s = %s + 1 WHERE id = 1`, col, col)
		if _, err := s.db.Exec(q); err != nil {
			slog.Error("totals increment failed", "name", name, "err", err)
		}
	}
}

// Read returns a consistent snapshot of all counters.
func (s *Sink) Read(ctx context.Context) (Snapshot, error) {
	if s.db == nil {
		return Snapshot{}, ErrDisabled
	}

	const q = `
SELECT rooms_created, otm_created, files_created, chat_invites_created, chat_messages_sent
FROM totals
WHERE id = 1
`
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, q).Scan(
		&snap.RoomsCreated,
		&snap.OtmCreated,
		&snap.FilesCreated,
		&snap.ChatInvitesCreated,
		&snap.ChatMessagesSent,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read totals: %w", err)
	}
	return snap, nil
}
