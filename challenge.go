package authkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const mfaChallengeKeyPrefix = "amc"

var (
	errChallengeNotFound = errors.New("mfa challenge not found")
	errChallengeExpired  = errors.New("mfa challenge expired")
	errChallengeBackend  = errors.New("mfa challenge backend unavailable")
)

// mfaChallenge is the pending state between a password login that requires
// a second factor and the code submission that finishes it.
type mfaChallenge struct {
	AccountID string
	TenantID  string
	ExpiresAt int64
	Attempts  int
}

// challengeStore holds pending MFA challenges keyed by an opaque reference.
type challengeStore interface {
	Save(ctx context.Context, ref string, challenge *mfaChallenge, ttl time.Duration) error
	Get(ctx context.Context, ref string) (*mfaChallenge, error)
	Delete(ctx context.Context, ref string) (bool, error)
	// RecordFailure bumps the attempt counter; it reports true and removes
	// the challenge when the limit is reached.
	RecordFailure(ctx context.Context, ref string, maxAttempts int) (bool, error)
}

func encodeChallenge(c *mfaChallenge) (string, error) {
	if strings.ContainsRune(c.AccountID, '|') || strings.ContainsRune(c.TenantID, '|') {
		return "", errors.New("challenge ids must not contain separators")
	}
	return strings.Join([]string{
		"1",
		c.AccountID,
		c.TenantID,
		strconv.FormatInt(c.ExpiresAt, 10),
		strconv.Itoa(c.Attempts),
	}, "|"), nil
}

func decodeChallenge(encoded string) (*mfaChallenge, error) {
	fields := strings.Split(encoded, "|")
	if len(fields) != 5 || fields[0] != "1" {
		return nil, errors.New("corrupt mfa challenge record")
	}
	expiresAt, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, errors.New("corrupt mfa challenge expiry")
	}
	attempts, err := strconv.Atoi(fields[4])
	if err != nil {
		return nil, errors.New("corrupt mfa challenge attempts")
	}
	return &mfaChallenge{
		AccountID: fields[1],
		TenantID:  fields[2],
		ExpiresAt: expiresAt,
		Attempts:  attempts,
	}, nil
}

// redisChallengeStore keeps challenges in Redis. RecordFailure runs under
// WATCH so concurrent wrong-code submissions cannot lose increments.
type redisChallengeStore struct {
	redis redis.UniversalClient
}

func newRedisChallengeStore(client redis.UniversalClient) *redisChallengeStore {
	return &redisChallengeStore{redis: client}
}

func (s *redisChallengeStore) key(ref string) string {
	return mfaChallengeKeyPrefix + ":" + ref
}

func (s *redisChallengeStore) Save(ctx context.Context, ref string, challenge *mfaChallenge, ttl time.Duration) error {
	encoded, err := encodeChallenge(challenge)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(ref), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return nil
}

func (s *redisChallengeStore) Get(ctx context.Context, ref string) (*mfaChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(ref)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}

	challenge, err := decodeChallenge(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > challenge.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(ref)).Result()
		return nil, errChallengeExpired
	}
	return challenge, nil
}

func (s *redisChallengeStore) Delete(ctx context.Context, ref string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(ref)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return n > 0, nil
}

func (s *redisChallengeStore) RecordFailure(ctx context.Context, ref string, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(ref)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Result()
			if err != nil {
				return err
			}

			challenge, err := decodeChallenge(data)
			if err != nil {
				return err
			}
			ttl := time.Until(time.Unix(challenge.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errChallengeExpired
			}

			challenge.Attempts++
			if challenge.Attempts >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			updated, err := encodeChallenge(challenge)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, errChallengeNotFound
			}
			if errors.Is(err, errChallengeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
		}
		return exceeded, nil
	}

	return false, errChallengeNotFound
}

// memoryChallengeStore is the process-local counterpart used with the
// in-memory refresh store.
type memoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*mfaChallenge
	now        func() time.Time
}

func newMemoryChallengeStore() *memoryChallengeStore {
	return &memoryChallengeStore{
		challenges: map[string]*mfaChallenge{},
		now:        time.Now,
	}
}

func (s *memoryChallengeStore) Save(_ context.Context, ref string, challenge *mfaChallenge, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *challenge
	s.challenges[ref] = &copied
	return nil
}

func (s *memoryChallengeStore) Get(_ context.Context, ref string) (*mfaChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, ok := s.challenges[ref]
	if !ok {
		return nil, errChallengeNotFound
	}
	if s.now().Unix() > challenge.ExpiresAt {
		delete(s.challenges, ref)
		return nil, errChallengeExpired
	}
	copied := *challenge
	return &copied, nil
}

func (s *memoryChallengeStore) Delete(_ context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.challenges[ref]
	delete(s.challenges, ref)
	return ok, nil
}

func (s *memoryChallengeStore) RecordFailure(_ context.Context, ref string, maxAttempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, ok := s.challenges[ref]
	if !ok {
		return false, errChallengeNotFound
	}
	if s.now().Unix() > challenge.ExpiresAt {
		delete(s.challenges, ref)
		return false, errChallengeExpired
	}

	challenge.Attempts++
	if challenge.Attempts >= maxAttempts {
		delete(s.challenges, ref)
		return true, nil
	}
	return false, nil
}
