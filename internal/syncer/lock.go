package syncer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// lockTTL bounds how long a crashed sync can hold its clinic.
const lockTTL = 5 * time.Minute

// clinicLock is the per-clinic mutex gating sync runs. Backed by a
// redis SET NX so it holds across processes.
type clinicLock struct {
	rdb     *redis.Client
	maxWait time.Duration
}

func newClinicLock(rdb *redis.Client, maxWait time.Duration) *clinicLock {
	if maxWait <= 0 {
		maxWait = time.Second
	}
	return &clinicLock{rdb: rdb, maxWait: maxWait}
}

// acquire tries to take the clinic's lock within the bounded wait.
// Returns the release token, or "" when another sync holds it.
func (l *clinicLock) acquire(ctx context.Context, clinicID string) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.maxWait)
	for {
		ok, err := l.rdb.SetNX(ctx, lockKey(clinicID), token, lockTTL).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// releaseScript deletes the lock only while our token still holds it,
// so a sync that overran the TTL cannot drop a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// release drops the lock if we still hold it.
func (l *clinicLock) release(ctx context.Context, clinicID, token string) {
	_ = releaseScript.Run(ctx, l.rdb, []string{lockKey(clinicID)}, token).Err()
}

func lockKey(clinicID string) string {
	return "sync:lock:" + clinicID
}
