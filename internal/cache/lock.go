package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned by Locker.Acquire when someone else holds the lock.
var ErrLocked = errors.New("lock held by another process")

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker hands out Redis locks that expire on their own when the holder
// dies.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

// NewLocker returns a Locker.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client, script: redis.NewScript(releaseScript)}
}

// Acquire takes key for ttl. The returned function releases it if it is
// still ours.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, "acquire lock")
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		return l.script.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
