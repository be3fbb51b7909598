// Package histogram implements the lock-free per-action latency histogram
// and the fixed-capacity ring of drained snapshots.
package histogram

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Bucket returns the exponential bucket index for elapsed nanoseconds,
// clamped to [0, maxBucket]: bucket i covers [2^i-1, 2^(i+1)-1).
// Boundary cases: elapsed=0 -> bucket 0, elapsed=1ns -> bucket 1.
func Bucket(elapsedNs int64, maxBucket int) int {
	if elapsedNs < 0 {
		elapsedNs = 0
	}
	b := int(math.Floor(math.Log2(float64(elapsedNs) + 1)))
	if b < 0 {
		b = 0
	}
	if b > maxBucket {
		b = maxBucket
	}
	return b
}

// Sample is one recorded performance observation.
type Sample struct {
	Action    string
	Status    int64
	ElapsedNs int64
}

// key identifies one histogram within a model's store.
type key struct {
	action string
	status int64
}

// bucketed is the lock-free counter set for one (action, status) pair.
// Increment uses atomic adds only; drain reads a consistent-enough snapshot
// by atomically swapping each bucket counter, then the sum, back to zero
// concurrently with writers (an increment to one counter lands either before
// or after that counter's swap, never both — the snapshot boundary is the
// instant drainSince runs, not a point every concurrent writer is guaranteed
// to respect exactly).
type bucketed struct {
	buckets []uint64 // atomic access only
	sum     uint64   // atomic access only
}

func newBucketed(maxBucket int) *bucketed {
	return &bucketed{buckets: make([]uint64, maxBucket+1)}
}

func (b *bucketed) record(bucket int, elapsedNs int64) {
	atomic.AddUint64(&b.buckets[bucket], 1)
	atomic.AddUint64(&b.sum, uint64(elapsedNs))
}

func (b *bucketed) drain() ([]uint64, uint64) {
	out := make([]uint64, len(b.buckets))
	for i := range b.buckets {
		out[i] = atomic.SwapUint64(&b.buckets[i], 0)
	}
	sum := atomic.SwapUint64(&b.sum, 0)
	return out, sum
}

// Snapshot is one drained (action, status) histogram, flattened per
// action+status for the wire's PerformanceSnapshot/PerformanceHistogram shape.
type Snapshot struct {
	Timestamp time.Time
	Action    string
	Status    int64
	Buckets   []uint64
	Sum       uint64
}

// Store is the concurrent (action, status) -> histogram map for one model,
// plus the fixed-capacity ring of the last N drained periods.
type Store struct {
	maxBucket int
	ringSize  int

	mu   sync.RWMutex
	hist map[key]*bucketed

	ringMu sync.Mutex
	ring   [][]Snapshot
	ringAt int
	filled int
}

// NewStore builds a histogram store. maxBucket is the overflow-clamped
// bucket index; ringSize is the number of retained
// snapshot periods.
func NewStore(maxBucket, ringSize int) *Store {
	if maxBucket <= 0 {
		maxBucket = 48
	}
	if ringSize <= 0 {
		ringSize = 8
	}
	return &Store{
		maxBucket: maxBucket,
		ringSize:  ringSize,
		hist:      make(map[key]*bucketed),
		ring:      make([][]Snapshot, ringSize),
	}
}

// Record adds one performance sample.
func (s *Store) Record(sample Sample) {
	k := key{action: sample.Action, status: sample.Status}

	s.mu.RLock()
	h, ok := s.hist[k]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		h, ok = s.hist[k]
		if !ok {
			h = newBucketed(s.maxBucket)
			s.hist[k] = h
		}
		s.mu.Unlock()
	}

	h.record(Bucket(sample.ElapsedNs, s.maxBucket), sample.ElapsedNs)
}

// DrainSince atomically snapshots and resets every (action, status)
// histogram, appends the result as the newest ring entry (evicting the
// oldest if full), and returns the snapshots for this period.
func (s *Store) DrainSince(ts time.Time) []Snapshot {
	s.mu.RLock()
	keys := make([]key, 0, len(s.hist))
	hists := make([]*bucketed, 0, len(s.hist))
	for k, h := range s.hist {
		keys = append(keys, k)
		hists = append(hists, h)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(keys))
	for i, k := range keys {
		buckets, sum := hists[i].drain()
		if sum == 0 && allZero(buckets) {
			continue
		}
		out = append(out, Snapshot{
			Timestamp: ts,
			Action:    k.action,
			Status:    k.status,
			Buckets:   buckets,
			Sum:       sum,
		})
	}

	s.ringMu.Lock()
	s.ring[s.ringAt] = out
	s.ringAt = (s.ringAt + 1) % s.ringSize
	if s.filled < s.ringSize {
		s.filled++
	}
	s.ringMu.Unlock()

	return out
}

// RecentPeriods returns up to the last N drained periods, oldest first.
func (s *Store) RecentPeriods() [][]Snapshot {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()

	out := make([][]Snapshot, 0, s.filled)
	start := s.ringAt - s.filled
	for i := 0; i < s.filled; i++ {
		idx := ((start+i)%s.ringSize + s.ringSize) % s.ringSize
		out = append(out, s.ring[idx])
	}
	return out
}

func allZero(buckets []uint64) bool {
	for _, b := range buckets {
		if b != 0 {
			return false
		}
	}
	return true
}
