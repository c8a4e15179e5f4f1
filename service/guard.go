package service

import (
	"sync"
	"time"
)

// VoterGuard admits one in-flight submission per voter.
type VoterGuard struct {
	mu       sync.Mutex
	inFlight map[string]time.Time
}

func NewVoterGuard() *VoterGuard {
	return &VoterGuard{inFlight: make(map[string]time.Time)}
}

// Acquire reports false when voterID already has a submission in flight.
func (g *VoterGuard) Acquire(voterID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inFlight[voterID]; busy {
		return false
	}
	g.inFlight[voterID] = time.Now()
	return true
}

func (g *VoterGuard) Release(voterID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, voterID)
}

func (g *VoterGuard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}
