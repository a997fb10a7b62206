package refresh

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-node setups.
// Semantics match RedisStore: revoked records are retained until their
// original expiry so replays are recognized as reuse.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]Record            // tenant+hash -> record
	accounts map[string]map[string]string // tenant+account -> set of hashes
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  map[string]Record{},
		accounts: map[string]map[string]string{},
		now:      time.Now,
	}
}

func memRecordKey(tenantID, hash string) string {
	return normalizeTenantID(tenantID) + ":" + hash
}

func memAccountKey(tenantID, accountID string) string {
	return normalizeTenantID(tenantID) + ":" + accountID
}

func (s *MemoryStore) Issue(_ context.Context, tenantID, accountID string, ttl time.Duration) (string, error) {
	if accountID == "" {
		return "", errors.New("refresh: account id required")
	}
	if ttl <= 0 {
		return "", errors.New("refresh: token lifetime must be positive")
	}

	raw, id, err := newRawToken()
	if err != nil {
		return "", err
	}
	hash := hashToken(raw)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[memRecordKey(tenantID, hash)] = Record{
		ID:        id,
		AccountID: accountID,
		TenantID:  tenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.index(tenantID, accountID)[hash] = hash
	return raw, nil
}

func (s *MemoryStore) Redeem(_ context.Context, tenantID, raw string, ttl time.Duration) (*Rotation, error) {
	if err := checkRawToken(raw); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, errors.New("refresh: token lifetime must be positive")
	}

	nextRaw, nextID, err := newRawToken()
	if err != nil {
		return nil, err
	}
	hash := hashToken(raw)
	nextHash := hashToken(nextRaw)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memRecordKey(tenantID, hash)
	record, ok := s.records[key]
	if !ok {
		return nil, ErrTokenInvalid
	}
	if !record.ExpiresAt.After(now) {
		delete(s.records, key)
		delete(s.index(tenantID, record.AccountID), hash)
		return nil, ErrTokenInvalid
	}
	if record.Revoked() {
		return nil, &ReuseError{AccountID: record.AccountID}
	}

	record.RevokedAt = now
	record.ReplacedBy = nextID
	s.records[key] = record

	s.records[memRecordKey(tenantID, nextHash)] = Record{
		ID:        nextID,
		AccountID: record.AccountID,
		TenantID:  record.TenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.index(tenantID, record.AccountID)[nextHash] = nextHash

	return &Rotation{
		AccountID: record.AccountID,
		TenantID:  record.TenantID,
		Token:     nextRaw,
		ExpiresAt: now.Add(ttl),
	}, nil
}

func (s *MemoryStore) Revoke(_ context.Context, tenantID, raw string) error {
	if err := checkRawToken(raw); err != nil {
		return err
	}
	hash := hashToken(raw)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memRecordKey(tenantID, hash)
	record, ok := s.records[key]
	if !ok {
		return ErrTokenInvalid
	}
	if !record.ExpiresAt.After(now) {
		delete(s.records, key)
		delete(s.index(tenantID, record.AccountID), hash)
		return ErrTokenInvalid
	}
	if record.Revoked() {
		return nil
	}

	record.RevokedAt = now
	s.records[key] = record
	return nil
}

func (s *MemoryStore) RevokeAll(_ context.Context, tenantID, accountID string) (int, error) {
	if accountID == "" {
		return 0, errors.New("refresh: account id required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for hash := range s.index(tenantID, accountID) {
		key := memRecordKey(tenantID, hash)
		record, ok := s.records[key]
		if !ok {
			delete(s.index(tenantID, accountID), hash)
			continue
		}
		if record.Revoked() || !record.ExpiresAt.After(now) {
			continue
		}
		record.RevokedAt = now
		s.records[key] = record
		revoked++
	}
	return revoked, nil
}

func (s *MemoryStore) Active(_ context.Context, tenantID, accountID string) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for hash := range s.index(tenantID, accountID) {
		record, ok := s.records[memRecordKey(tenantID, hash)]
		if !ok {
			delete(s.index(tenantID, accountID), hash)
			continue
		}
		if !record.Revoked() && record.ExpiresAt.After(now) {
			active++
		}
	}
	return active, nil
}

func (s *MemoryStore) index(tenantID, accountID string) map[string]string {
	key := memAccountKey(tenantID, accountID)
	set, ok := s.accounts[key]
	if !ok {
		set = map[string]string{}
		s.accounts[key] = set
	}
	return set
}
