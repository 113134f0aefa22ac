package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/PatientSim/internal/models"
)

type memSession struct {
	session models.Session
	seq     int64
}

// InMemoryStore keeps everything in process memory. Contents are lost on restart.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	users    map[string]models.User
	seq      int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*memSession),
		users:    make(map[string]models.User),
	}
}

func (s *InMemoryStore) CreateSession(ctx context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ThreadID]; ok {
		return ErrSessionExists
	}
	s.seq++
	sess.Transcript = append([]models.TurnRecord(nil), sess.Transcript...)
	s.sessions[sess.ThreadID] = &memSession{session: sess, seq: s.seq}
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, threadID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.sessions[threadID]
	if !ok {
		return nil, nil
	}
	out := m.session
	out.Transcript = append([]models.TurnRecord(nil), m.session.Transcript...)
	return &out, nil
}

func (s *InMemoryStore) AppendTurns(ctx context.Context, threadID string, turns ...models.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[threadID]
	if !ok {
		return fmt.Errorf("append to %s: %w", threadID, ErrNotFound)
	}
	m.session.Transcript = append(m.session.Transcript, turns...)
	return nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context, ownerID string) ([]models.SessionSummary, error) {
	type row struct {
		summary   models.SessionSummary
		createdAt time.Time
		seq       int64
	}

	s.mu.RLock()
	rows := make([]row, 0)
	for _, m := range s.sessions {
		if m.session.OwnerID == ownerID {
			rows = append(rows, row{summary: m.session.Summary(), createdAt: m.session.CreatedAt, seq: m.seq})
		}
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.After(b.createdAt)
		}
		return a.seq > b.seq
	})

	out := make([]models.SessionSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.summary)
	}
	return out, nil
}

func (s *InMemoryStore) CreateUser(ctx context.Context, u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Username]; ok {
		return models.ErrUsernameTaken
	}
	s.users[u.Username] = u
	return nil
}

func (s *InMemoryStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *InMemoryStore) Backend() string { return BackendMemory }

func (s *InMemoryStore) Close() error { return nil }
