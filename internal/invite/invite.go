package invite

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"ember/relay/internal/ident"
)

const (
	// DefaultTTL applies when the creator does not supply an expiry.
	DefaultTTL = 24 * time.Hour
	// SweepPeriod is how often expired invites are dropped.
	SweepPeriod = time.Minute
)

var (
	// ErrExists is returned by Create when the id is already in use.
	ErrExists = errors.New("invite id already exists")
	// ErrGone is returned when an invite is unknown or expired.
	ErrGone = errors.New("invite not found")
	// ErrClaimed is returned by Claim when the invite was already claimed.
	ErrClaimed = errors.New("invite already claimed")
)

type invite struct {
	creatorBundle string
	claimerBundle string
	claimed       bool
	createdAt     time.Time
	expiresAt     time.Time
}

// View is the read model returned by Get.
type View struct {
	InviteID      string
	CreatorBundle string
	ClaimerBundle *string
	Claimed       bool
}

// Store holds pending and claimed invites. An invite parks a creator's key
// bundle under an agreed id until exactly one claimer trades their own
// bundle for it.
type Store struct {
	mu      sync.Mutex
	invites map[string]*invite
	done    chan struct{}
}

// New returns an empty store and starts its sweeper.
func New() *Store {
	s := &Store{
		invites: make(map[string]*invite),
		done:    make(chan struct{}),
	}
	go s.sweeper()
	return s
}

// Create parks creatorBundle under id. A nil expiresAt applies DefaultTTL;
// a client-supplied expiry is stored as given.
func (s *Store) Create(id, creatorBundle string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.invites[id]; ok {
		return ErrExists
	}

	now := time.Now()
	exp := now.Add(DefaultTTL)
	if expiresAt != nil {
		exp = *expiresAt
	}
	s.invites[id] = &invite{
		creatorBundle: creatorBundle,
		createdAt:     now,
		expiresAt:     exp,
	}

	slog.Info("invite created", "invite_id", ident.Short(id))
	return nil
}

// Get returns the invite view pre- or post-claim. Expired invites are
// deleted on touch and reported as ErrGone. Get never changes claim state.
func (s *Store) Get(id string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[id]
	if !ok {
		return View{}, ErrGone
	}
	if time.Now().After(inv.expiresAt) {
		delete(s.invites, id)
		return View{}, ErrGone
	}

	v := View{InviteID: id, CreatorBundle: inv.creatorBundle, Claimed: inv.claimed}
	if inv.claimed {
		cb := inv.claimerBundle
		v.ClaimerBundle = &cb
	}
	return v, nil
}

// Claim trades claimerBundle for the creator's bundle. The transition
// succeeds at most once per invite; later calls see ErrClaimed.
func (s *Store) Claim(id, claimerBundle string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[id]
	if !ok {
		return "", ErrGone
	}
	if time.Now().After(inv.expiresAt) {
		delete(s.invites, id)
		return "", ErrGone
	}
	if inv.claimed {
		return "", ErrClaimed
	}

	inv.claimed = true
	inv.claimerBundle = claimerBundle

	slog.Info("invite claimed", "invite_id", ident.Short(id))
	return inv.creatorBundle, nil
}

// Len reports how many invites are currently stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invites)
}

// Stop halts the sweeper. Stored invites remain readable.
func (s *Store) Stop() {
	close(s.done)
}

func (s *Store) sweeper() {
	ticker := time.NewTicker(SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for id, inv := range s.invites {
		if now.After(inv.expiresAt) {
			delete(s.invites, id)
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("invites swept", "dropped", dropped, "remaining", len(s.invites))
	}
}
