// Package protect holds the process-wide protection state shared by the
// upgrade gate and the relay: concurrent-WebSocket counts per client IP and
// SSH authentication-failure counts per user.
package protect

import (
	"log"
	"math/rand"
	"sync"
	"time"
)

// AttemptWindow is the sliding reset for per-user SSH failures. A failure
// recorded more than this long after the previous one starts a fresh count.
const AttemptWindow = 15 * time.Minute

// sweepChance is the 1-in-N probability of running the attempt-map eviction
// sweep on a failure recording.
const sweepChance = 10

type attemptState struct {
	count int
	last  time.Time
}

// State tracks per-IP and per-user counters. All methods are safe for
// concurrent use.
type State struct {
	mu          sync.Mutex
	maxAttempts int
	ipCounts    map[string]int
	attempts    map[string]*attemptState
	nowFn       func() time.Time // injectable clock for testing
	chanceFn    func(n int) int  // injectable rand for testing
}

func NewState(maxAttempts int) *State {
	return &State{
		maxAttempts: maxAttempts,
		ipCounts:    make(map[string]int),
		attempts:    make(map[string]*attemptState),
		nowFn:       time.Now,
		chanceFn:    rand.Intn,
	}
}

// IncrementIP records a newly accepted WebSocket for ip and returns the new
// live count. The caller decides whether the count exceeds its cap; an
// over-cap caller must call DecrementIP before abandoning the socket.
func (s *State) IncrementIP(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ipCounts[ip]++
	return s.ipCounts[ip]
}

// DecrementIP records a closed WebSocket for ip. Zeroed entries are dropped
// so the map stays bounded by the set of active IPs.
func (s *State) DecrementIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.ipCounts[ip]
	if !ok {
		log.Printf("[protect] decrement for unknown IP %s", ip)
		return
	}
	if n <= 1 {
		delete(s.ipCounts, ip)
		return
	}
	s.ipCounts[ip] = n - 1
}

// LiveCount returns the current live-socket count for ip.
func (s *State) LiveCount(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ipCounts[ip]
}

// CheckAttempts reports whether userID is still allowed to start SSH
// connection attempts. A count that has sat idle past AttemptWindow no
// longer blocks.
func (s *State) CheckAttempts(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[userID]
	if !ok {
		return true
	}
	if s.nowFn().Sub(a.last) > AttemptWindow {
		delete(s.attempts, userID)
		return true
	}
	return a.count < s.maxAttempts
}

// RecordFailure registers one SSH authentication/connection failure for
// userID. Only SSH-phase errors count; policy rejections never reach here.
func (s *State) RecordFailure(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	a, ok := s.attempts[userID]
	if !ok || now.Sub(a.last) > AttemptWindow {
		a = &attemptState{}
		s.attempts[userID] = a
	}
	a.count++
	a.last = now

	if a.count >= s.maxAttempts {
		log.Printf("[protect] user %s reached %d SSH failures, throttling", userID, a.count)
	}

	if s.chanceFn(sweepChance) == 0 {
		s.sweepLocked(now)
	}
}

// sweepLocked evicts attempt entries idle past AttemptWindow.
// Must be called with s.mu held.
func (s *State) sweepLocked(now time.Time) {
	for id, a := range s.attempts {
		if now.Sub(a.last) > AttemptWindow {
			delete(s.attempts, id)
		}
	}
}
