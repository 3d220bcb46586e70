package data

import (
	"context"
	"fmt"
	"time"

	"github.com/bookgate/uploader-backend/internal/pkg/redis"
)

const leaseKeyPrefix = "upload:move:lease:"

// MoveLease implements biz.RecordLocker on Redis SET NX. The TTL bounds
// how long a crashed mover can keep a record locked.
type MoveLease struct {
	client *redis.Client
}

func NewMoveLease(client *redis.Client) *MoveLease {
	return &MoveLease{client: client}
}

func (l *MoveLease) Acquire(ctx context.Context, uuid string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKeyPrefix+uuid, "1", ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire move lease: %w", err)
	}
	return ok, nil
}

func (l *MoveLease) Release(ctx context.Context, uuid string) error {
	if err := l.client.Del(ctx, leaseKeyPrefix+uuid); err != nil {
		return fmt.Errorf("failed to release move lease: %w", err)
	}
	return nil
}
