package auth

import "sync"

// CredentialPair is the one live token pair for an authenticated session.
// The access and refresh tokens always swap together; a pair is never
// partially updated.
type CredentialPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Store persists the credential pair across process restarts.
// Load returns (nil, nil) when no pair is stored.
type Store interface {
	Load() (*CredentialPair, error)
	Save(pair CredentialPair) error
	Clear() error
}

// MemoryStore keeps the pair in memory. Used in tests and as a fallback
// when no durable store is configured.
type MemoryStore struct {
	mu   sync.Mutex
	pair *CredentialPair
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (*CredentialPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pair == nil {
		return nil, nil
	}
	p := *s.pair
	return &p, nil
}

func (s *MemoryStore) Save(pair CredentialPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = &pair
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = nil
	return nil
}
