package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"identity-service/internal/config"
)

// BucketingManager assigns accounts to stable partition buckets so the
// durable store can shard wide rows, and produces time buckets for
// fixed-window counters.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  cfg.Bucketing.UserBuckets,
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// AccountBucket returns a consistent bucket for an account id
// (0 to userBuckets-1).
func (bm *BucketingManager) AccountBucket(accountID string) int {
	return bm.getBucket(accountID, bm.userBuckets)
}

// EventBucket returns a bucket for audit/rate-limit sharding.
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// TimeBucket returns the start of the current fixed window in unix
// seconds. Two calls inside the same window return the same value.
func (bm *BucketingManager) TimeBucket(window time.Duration) int64 {
	secs := int64(window / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return time.Now().Unix() / secs * secs
}

func (bm *BucketingManager) getBucket(identifier string, buckets int) int {
	if buckets <= 0 {
		return 0
	}

	h := bm.hasherPool.Get().(hash.Hash64)
	defer func() {
		h.Reset()
		bm.hasherPool.Put(h)
	}()

	_, _ = h.Write([]byte(identifier))
	return int(h.Sum64() % uint64(buckets))
}
