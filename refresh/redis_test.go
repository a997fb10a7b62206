package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "rt"), mr
}

func TestRedisIssueAndRedeem(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	raw, err := store.Issue(ctx, "t1", "acct-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	rotation, err := store.Redeem(ctx, "t1", raw, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", rotation.AccountID)
	assert.Equal(t, "t1", rotation.TenantID)
	assert.NotEmpty(t, rotation.Token)
	assert.NotEqual(t, raw, rotation.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), rotation.ExpiresAt, 2*time.Second)
}

func TestRedisRedeemIsAtMostOnce(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	raw, err := store.Issue(ctx, "t1", "acct-1", time.Hour)
	require.NoError(t, err)

	_, err = store.Redeem(ctx, "t1", raw, time.Hour)
	require.NoError(t, err)

	_, err = store.Redeem(ctx, "t1", raw, time.Hour)
	require.ErrorIs(t, err, ErrReuseDetected)

	var reuse *ReuseError
	require.ErrorAs(t, err, &reuse)
	assert.Equal(t, "acct-1", reuse.AccountID)
}

func TestRedisRedeemChain(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	raw, err := store.Issue(ctx, "t1", "acct-1", time.Hour)
	require.NoError(t, err)

	// Each successor redeems exactly once; only the newest link is live.
	current := raw
	for i := 0; i < 5; i++ {
		rotation, err := store.Redeem(ctx, "t1", current, time.Hour)
		require.NoError(t, err)
		current = rotation.Token
	}

	_, err = store.Redeem(ctx, "t1", raw, time.Hour)
	assert.ErrorIs(t, err, ErrReuseDetected)

	active, err := store.Active(ctx, "t1", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestRedisRedeemUnknownToken(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	unknown, _, err := newRawToken()
	require.NoError(t, err)

	_, err = store.Redeem(ctx, "t1", unknown, time.Hour)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRedisRedeemMalformedToken(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	for _, raw := range []string{"", "short", "%%%not-base64%%%", "AAAA"} {
		_, err := store.Redeem(ctx, "t1", raw, time.Hour)
		assert.ErrorIs(t, err, ErrTokenInvalid, "raw %q", raw)
	}
}

func TestRedisRedeemExpiredToken(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	raw, err := store.Issue(ctx, "t1", "acct-1", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = store.Redeem(ctx, "t1", raw, time.Hour)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRedisTokensAreTenantScoped(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	raw, err := store.Issue(ctx, "t1", "acct-1", time.Hour)
	require.NoError(t, err)

	_, err = store.Redeem(ctx, "t2", raw, time.Hour)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = store.Redeem(ctx, "t1", raw, time.Hour)
	assert.NoError(t, err)
}

func TestRedisRevokeThenRedeemSignalsReuse(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	raw, err := store.Issue(ctx, "t1", "acct-1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, "t1", raw))
	// Revoking again is a no-op.
	require.NoError(t, store.Revoke(ctx, "t1", raw))

	_, err = store.Redeem(ctx, "t1", raw, time.Hour)
	assert.ErrorIs(t, err, ErrReuseDetected)
}

func TestRedisRevokeUnknownToken(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	unknown, _, err := newRawToken()
	require.NoError(t, err)

	assert.ErrorIs(t, store.Revoke(ctx, "t1", unknown), ErrTokenInvalid)
	assert.ErrorIs(t, store.Revoke(ctx, "t1", "garbage"), ErrTokenInvalid)
}

func TestRedisRevokeAll(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	raws := make([]string, 3)
	for i := range raws {
		raw, err := store.Issue(ctx, "t1", "acct-1", time.Hour)
		require.NoError(t, err)
		raws[i] = raw
	}
	otherTenant, err := store.Issue(ctx, "t2", "acct-1", time.Hour)
	require.NoError(t, err)

	revoked, err := store.RevokeAll(ctx, "t1", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 3, revoked)

	active, err := store.Active(ctx, "t1", "acct-1")
	require.NoError(t, err)
	assert.Zero(t, active)

	for _, raw := range raws {
		_, err := store.Redeem(ctx, "t1", raw, time.Hour)
		assert.ErrorIs(t, err, ErrReuseDetected)
	}

	// The same account in another tenant is untouched.
	_, err = store.Redeem(ctx, "t2", otherTenant, time.Hour)
	assert.NoError(t, err)
}

func TestRedisRevokeAllIdempotent(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Issue(ctx, "t1", "acct-1", time.Hour)
	require.NoError(t, err)

	revoked, err := store.RevokeAll(ctx, "t1", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, revoked)

	revoked, err = store.RevokeAll(ctx, "t1", "acct-1")
	require.NoError(t, err)
	assert.Zero(t, revoked)

	revoked, err = store.RevokeAll(ctx, "t1", "nobody")
	require.NoError(t, err)
	assert.Zero(t, revoked)
}

func TestRedisActiveCount(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Issue(ctx, "t1", "acct-1", time.Minute)
	require.NoError(t, err)
	_, err = store.Issue(ctx, "t1", "acct-1", time.Hour)
	require.NoError(t, err)

	active, err := store.Active(ctx, "t1", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	mr.FastForward(2 * time.Minute)

	active, err = store.Active(ctx, "t1", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestRedisConcurrentRedeemSingleWinner(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	raw, err := store.Issue(ctx, "t1", "acct-1", time.Hour)
	require.NoError(t, err)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		replays  int
		failures []error
	)

	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.Redeem(ctx, "t1", raw, time.Hour)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrReuseDetected):
				replays++
			default:
				failures = append(failures, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one goroutine must redeem")
	assert.Equal(t, workers-1, replays)
	assert.Empty(t, failures)
}
