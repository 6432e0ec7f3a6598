package auth

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryTokenStore is a TokenStore guarded by a RWMutex.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	records map[string]RefreshRecord
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{records: make(map[string]RefreshRecord)}
}

func (s *MemoryTokenStore) Save(_ context.Context, rec RefreshRecord) error {
	if rec.Key == "" {
		return ErrInvalidInput
	}
	rec.Permissions = slices.Clone(rec.Permissions)
	s.mu.Lock()
	s.records[rec.Key] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context, key string) (RefreshRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return RefreshRecord{}, ErrNotFound
	}
	rec.Permissions = slices.Clone(rec.Permissions)
	return rec, nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *MemoryTokenStore) DeleteByPrincipal(_ context.Context, principalID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if rec.PrincipalID == principalID {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of outstanding refresh tokens.
func (s *MemoryTokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MemoryLockoutStore is a LockoutStore guarded by a RWMutex.
type MemoryLockoutStore struct {
	mu      sync.RWMutex
	records map[string]LockoutRecord
}

func NewMemoryLockoutStore() *MemoryLockoutStore {
	return &MemoryLockoutStore{records: make(map[string]LockoutRecord)}
}

func (s *MemoryLockoutStore) Get(_ context.Context, identifier string) (LockoutRecord, bool, error) {
	s.mu.RLock()
	rec, ok := s.records[identifier]
	s.mu.RUnlock()
	return rec, ok, nil
}

func (s *MemoryLockoutStore) Increment(_ context.Context, identifier string, at time.Time, window time.Duration) (LockoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identifier]
	if !ok || at.Sub(rec.LastAttemptAt) >= window {
		rec = LockoutRecord{Identifier: identifier}
	}
	rec.FailedCount++
	rec.LastAttemptAt = at
	s.records[identifier] = rec
	return rec, nil
}

func (s *MemoryLockoutStore) Delete(_ context.Context, identifier string) error {
	s.mu.Lock()
	delete(s.records, identifier)
	s.mu.Unlock()
	return nil
}

// MemoryCredentialStore is a CredentialStore for tests and local development.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[string]Credential)}
}

// Put registers a credential under its identifier (case-insensitive).
func (s *MemoryCredentialStore) Put(c Credential) {
	s.mu.Lock()
	s.creds[strings.ToLower(c.Identifier)] = c
	s.mu.Unlock()
}

func (s *MemoryCredentialStore) FindCredential(_ context.Context, identifier string) (Credential, error) {
	s.mu.RLock()
	c, ok := s.creds[strings.ToLower(identifier)]
	s.mu.RUnlock()
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}
