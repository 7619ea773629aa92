package dapi

import (
	"sync"
	"time"
)

// Bucket is the local view of one server rate-limit bucket.
type Bucket struct {
	Key    string
	Global bool

	lock        sync.Mutex
	initialized bool
	limit       int
	remaining   int
	resetAt     time.Time
	hash        string
}

// BucketState is a point-in-time copy of a bucket's counters.
type BucketState struct {
	Key         string
	Initialized bool
	Limit       int
	Remaining   int
	ResetAt     time.Time
	Hash        string
	Global      bool
}

// State returns a copy of the bucket counters.
func (bucket *Bucket) State() BucketState {
	bucket.lock.Lock()
	defer bucket.lock.Unlock()
	return BucketState{
		Key:         bucket.Key,
		Initialized: bucket.initialized,
		Limit:       bucket.limit,
		Remaining:   bucket.remaining,
		ResetAt:     bucket.resetAt,
		Hash:        bucket.hash,
		Global:      bucket.Global,
	}
}

// reserve takes one slot if the bucket allows dispatch at now. Otherwise it
// returns how long to wait before asking again.
func (bucket *Bucket) reserve(now time.Time) (time.Duration, bool) {
	bucket.lock.Lock()
	defer bucket.lock.Unlock()

	if !bucket.initialized {
		return 0, true
	}
	if bucket.remaining > 0 {
		bucket.remaining--
		return 0, true
	}
	if !now.Before(bucket.resetAt) {
		// Reset passed without fresh headers. The worker is serial, so this
		// admits exactly one request until its response resynchronizes the
		// bucket.
		return 0, true
	}
	return bucket.resetAt.Sub(now), false
}

// release returns a slot taken by reserve for a request that was never
// dispatched.
func (bucket *Bucket) release() {
	bucket.lock.Lock()
	defer bucket.lock.Unlock()
	if bucket.initialized && bucket.remaining < bucket.limit {
		bucket.remaining++
	}
}

func (bucket *Bucket) apply(info RateLimitInfo) {
	if !info.HasBucketData {
		return
	}
	bucket.lock.Lock()
	defer bucket.lock.Unlock()
	bucket.initialized = true
	bucket.limit = info.Limit
	bucket.remaining = info.Remaining
	if bucket.remaining < 0 {
		bucket.remaining = 0
	}
	bucket.resetAt = info.ResetAt
	if info.Hash != "" {
		bucket.hash = info.Hash
	}
}

// BucketRegistry maps route keys to buckets for the lifetime of a scheduler.
type BucketRegistry struct {
	lock    sync.Mutex
	buckets map[string]*Bucket
}

// NewBucketRegistry returns a new BucketRegistry.
func NewBucketRegistry() *BucketRegistry {
	return &BucketRegistry{buckets: make(map[string]*Bucket)}
}

// Resolve returns the bucket for route, creating it with unlimited defaults.
func (registry *BucketRegistry) Resolve(route Route) *Bucket {
	return registry.resolveKey(route.Key(), route.ConsumesGlobal())
}

func (registry *BucketRegistry) resolveKey(key string, global bool) *Bucket {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	bucket, ok := registry.buckets[key]
	if !ok {
		bucket = &Bucket{Key: key, Global: global}
		registry.buckets[key] = bucket
	}
	return bucket
}

// Update applies the quota feedback of one response to the bucket for key.
// Unknown keys are created.
func (registry *BucketRegistry) Update(key string, info RateLimitInfo) {
	registry.lock.Lock()
	bucket, ok := registry.buckets[key]
	if !ok {
		bucket = &Bucket{Key: key, Global: true}
		registry.buckets[key] = bucket
	}
	registry.lock.Unlock()
	bucket.apply(info)
}

// Lookup returns the bucket for key without creating it.
func (registry *BucketRegistry) Lookup(key string) (*Bucket, bool) {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	bucket, ok := registry.buckets[key]
	return bucket, ok
}

// Len returns the number of known buckets.
func (registry *BucketRegistry) Len() int {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	return len(registry.buckets)
}
