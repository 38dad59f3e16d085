package orchestrator

// Store holds the live sessions keyed by id.
// The Registry serializes all access; implementations need no locking.
type Store interface {
	GetSession(id StreamID) (*Session, bool)
	SetSession(s *Session)
	DeleteSession(id StreamID) (*Session, bool)
	ListSessions() []*Session
	Len() int
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	sessions map[StreamID]*Session
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[StreamID]*Session),
	}
}

// GetSession implements Store.GetSession.
func (s *InMemoryStore) GetSession(id StreamID) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// SetSession implements Store.SetSession.
func (s *InMemoryStore) SetSession(sess *Session) {
	s.sessions[sess.ID()] = sess
}

// DeleteSession implements Store.DeleteSession.
func (s *InMemoryStore) DeleteSession(id StreamID) (*Session, bool) {
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	return sess, ok
}

// ListSessions implements Store.ListSessions.
func (s *InMemoryStore) ListSessions() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Len implements Store.Len.
func (s *InMemoryStore) Len() int {
	return len(s.sessions)
}
