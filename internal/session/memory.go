package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store implementation.
//
// Each session carries its own mutex; every token mutation happens inside
// that per-session critical section, which is what upholds the exclusivity
// invariant under simultaneous grants.
type MemoryStore struct {
	clock func() time.Time

	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	mu           sync.Mutex
	sess         Session
	participants map[string]*Participant // keyed by user ID
	controlOwner string                  // user ID, "" when unowned
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clock:    time.Now,
		sessions: make(map[string]*memorySession),
	}
}

func (s *MemoryStore) Create(ctx context.Context, name, workspaceID, hostUserID, endpoint, credential string) (*Session, error) {
	now := s.clock()
	sess := Session{
		ID:          uuid.NewString(),
		Name:        name,
		WorkspaceID: workspaceID,
		HostUserID:  hostUserID,
		Status:      StatusActive,
		Endpoint:    endpoint,
		Credential:  credential,
		CreatedAt:   now,
	}
	host := &Participant{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		UserID:    hostUserID,
		Role:      RoleHost,
		JoinedAt:  now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &memorySession{
		sess:         sess,
		participants: map[string]*Participant{hostUserID: host},
	}
	s.mu.Unlock()

	out := sess
	return &out, nil
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	ms, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := ms.sess
	return &out, nil
}

func (s *MemoryStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*Session, error) {
	s.mu.RLock()
	all := make([]*memorySession, 0, len(s.sessions))
	for _, ms := range s.sessions {
		all = append(all, ms)
	}
	s.mu.RUnlock()

	var out []*Session
	for _, ms := range all {
		ms.mu.Lock()
		if ms.sess.WorkspaceID == workspaceID {
			sess := ms.sess
			out = append(out, &sess)
		}
		ms.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Participants(ctx context.Context, sessionID string) ([]*Participant, error) {
	ms, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]*Participant, 0, len(ms.participants))
	for _, p := range ms.participants {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *MemoryStore) Join(ctx context.Context, sessionID, userID string) (*Participant, error) {
	ms, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.sess.Status == StatusEnded {
		return nil, ErrAlreadyEnded
	}
	if p, ok := ms.participants[userID]; ok {
		cp := *p
		return &cp, nil
	}

	p := &Participant{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleParticipant,
		JoinedAt:  s.clock(),
	}
	ms.participants[userID] = p
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Leave(ctx context.Context, sessionID, userID string) error {
	ms, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.participants[userID]; !ok {
		return ErrNotFound
	}
	delete(ms.participants, userID)
	if ms.controlOwner == userID {
		ms.controlOwner = ""
	}
	return nil
}

func (s *MemoryStore) End(ctx context.Context, sessionID, requesterID string) error {
	ms, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if requesterID != ms.sess.HostUserID {
		return ErrAuthorization
	}
	ms.sess.Status = StatusEnded
	ms.participants = make(map[string]*Participant)
	ms.controlOwner = ""
	return nil
}

func (s *MemoryStore) SetControl(ctx context.Context, sessionID, requesterID, targetUserID string, grant bool) error {
	ms, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if requesterID != ms.sess.HostUserID {
		return ErrAuthorization
	}
	if ms.sess.Status == StatusEnded {
		return ErrAlreadyEnded
	}

	target, ok := ms.participants[targetUserID]
	if !ok {
		return ErrNotFound
	}

	if grant {
		if prev, ok := ms.participants[ms.controlOwner]; ok {
			prev.HasControl = false
		}
		target.HasControl = true
		ms.controlOwner = targetUserID
		return nil
	}

	// Release is a no-op unless the target currently owns the token.
	if ms.controlOwner == targetUserID {
		target.HasControl = false
		ms.controlOwner = ""
	}
	return nil
}

func (s *MemoryStore) ControlOwner(ctx context.Context, sessionID string) (string, error) {
	ms, err := s.lookup(sessionID)
	if err != nil {
		return "", err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.controlOwner, nil
}

func (s *MemoryStore) lookup(sessionID string) (*memorySession, error) {
	s.mu.RLock()
	ms, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return ms, nil
}
