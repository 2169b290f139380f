package relay

import (
	"sync"

	"github.com/rs/zerolog"
)

// PendingStore parks frames for users who are offline. Each user gets a
// bounded FIFO; overflow evicts the oldest entry.
type PendingStore struct {
	mu      sync.Mutex
	pending map[string][][]byte
	limit   int
	logger  zerolog.Logger
}

// NewPendingStore creates a store holding up to limit frames per user.
// A non-positive limit selects the default.
func NewPendingStore(limit int, logger zerolog.Logger) *PendingStore {
	if limit <= 0 {
		limit = maxPendingPerUser
	}
	return &PendingStore{
		pending: make(map[string][][]byte),
		limit:   limit,
		logger:  logger.With().Str("component", "pending_store").Logger(),
	}
}

// Queue parks a frame for a user. Reports whether the oldest entry was
// evicted to make room.
func (p *PendingStore) Queue(userID string, frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.pending[userID]
	dropped := false
	if len(q) >= p.limit {
		q = q[1:]
		dropped = true
	}
	p.pending[userID] = append(q, frame)

	if dropped {
		p.logger.Warn().
			Str("user_id", userID).
			Int("limit", p.limit).
			Msg("Offline queue full, dropped oldest frame")
	}
	return dropped
}

// Take removes and returns everything parked for a user, in arrival
// order. The removal is atomic: no concurrent Queue can interleave
// mid-drain.
func (p *PendingStore) Take(userID string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	frames := p.pending[userID]
	if len(frames) == 0 {
		return nil
	}
	delete(p.pending, userID)
	return frames
}

// PendingCount returns how many frames are parked for one user.
func (p *PendingStore) PendingCount(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending[userID])
}

// TotalPending returns the number of parked frames across all users.
func (p *PendingStore) TotalPending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, frames := range p.pending {
		total += len(frames)
	}
	return total
}
