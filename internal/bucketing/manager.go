package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"identity-service/internal/config"
)

// BucketingManager maps identity IDs onto a fixed set of partition
// buckets so the identities table spreads evenly across Scylla nodes,
// and produces date buckets for the deletion schedule and event tables.
type BucketingManager struct {
	identityBuckets int
	hasherPool      sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		identityBuckets: cfg.Bucketing.IdentityBuckets,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetIdentityBucket returns a consistent bucket for an identity
// (0 to identityBuckets-1).
func (bm *BucketingManager) GetIdentityBucket(identityID uuid.UUID) int {
	return bm.getBucket(identityID.String(), bm.identityBuckets)
}

// GetDateBucket returns the UTC date bucket for a point in time.
// Deletion schedule rows and audit events partition on this.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// GetIdentityBuckets returns the configured bucket count.
func (bm *BucketingManager) GetIdentityBuckets() int {
	return bm.identityBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return int(hasher.Sum64() % uint64(numBuckets))
}
