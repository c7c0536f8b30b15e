// Package gateway implements the pool of public feed-mirror instances:
// round-robin rotation, per-instance token-bucket rate limiting, and
// exponential backoff after consecutive failures.
package gateway

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nitterfetch/nitterfetch/internal/model"
)

// ErrNoInstanceAvailable is returned by Acquire when every instance is
// either rate-limited or backing off.
var ErrNoInstanceAvailable = errors.New("no instance available")

// instanceState holds the mutable state of one gateway instance. Only the
// Pool's mutex ever touches it.
type instanceState struct {
	baseURL           string
	tokens            float64
	lastRefill        time.Time
	backoffUntil      time.Time
	consecutiveErrors int
	lastRTT           time.Duration
	lastError         string
}

// Pool rotates requests across a fixed set of gateway instances, applying
// a token bucket per instance (capacity/60 tokens per second, up to
// capacity) and exponential backoff after consecutive failures.
type Pool struct {
	mu            sync.Mutex
	states        []*instanceState
	cursor        int
	maxRPM        float64
	backoffBase   int
	log           *zap.Logger
}

// New constructs a Pool over the given base URLs (trailing slashes are
// stripped). maxRPM is both the token bucket capacity and the steady-state
// refill rate; backoffBaseSeconds is the base of the exponential backoff
// (minimum 1).
func New(baseURLs []string, maxRPM int, backoffBaseSeconds int, log *zap.Logger) (*Pool, error) {
	if len(baseURLs) == 0 {
		return nil, fmt.Errorf("gateway: at least one instance is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if backoffBaseSeconds < 1 {
		backoffBaseSeconds = 1
	}
	now := time.Now()
	states := make([]*instanceState, len(baseURLs))
	for i, u := range baseURLs {
		states[i] = &instanceState{
			baseURL:    strings.TrimRight(u, "/"),
			tokens:     float64(maxRPM),
			lastRefill: now,
		}
	}
	return &Pool{
		states:      states,
		maxRPM:      float64(maxRPM),
		backoffBase: backoffBaseSeconds,
		log:         log,
	}, nil
}

// Lease represents an acquired instance, returned by Acquire and consumed
// by exactly one of ReleaseSuccess or ReleaseFailure.
type Lease struct {
	state *instanceState
}

// BaseURL returns the instance's base URL.
func (l Lease) BaseURL() string {
	return l.state.baseURL
}

// Acquire visits up to len(states) instances starting at the rotation
// cursor (which advances on every visit regardless of outcome), refilling
// each one's token bucket, and returns the first instance with tokens
// available that is not in backoff. Returns ErrNoInstanceAvailable if none
// qualify.
func (p *Pool) Acquire() (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	n := len(p.states)
	for i := 0; i < n; i++ {
		st := p.states[p.cursor]
		p.cursor = (p.cursor + 1) % n

		p.refill(st, now)

		if now.Before(st.backoffUntil) {
			continue
		}
		if st.tokens < 1 {
			continue
		}
		st.tokens -= 1
		return Lease{state: st}, nil
	}
	return Lease{}, ErrNoInstanceAvailable
}

// refill tops up st's token bucket based on elapsed monotonic time since
// the last refill. Token refill is monotone non-decreasing between
// successive acquisitions on the same instance.
func (p *Pool) refill(st *instanceState, now time.Time) {
	elapsed := now.Sub(st.lastRefill)
	if elapsed <= 0 {
		return
	}
	added := (p.maxRPM / 60.0) * elapsed.Seconds()
	st.tokens = min(p.maxRPM, st.tokens+added)
	st.lastRefill = now
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// ReleaseSuccess records a successful request: the consecutive-error
// counter is cleared, any backoff is cleared, and the round-trip time is
// recorded.
func (p *Pool) ReleaseSuccess(l Lease, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := l.state
	st.consecutiveErrors = 0
	st.backoffUntil = time.Time{}
	st.lastError = ""
	st.lastRTT = rtt
}

// ReleaseFailure records a failed request. statusCode is 0 for a transport
// failure (no HTTP response). The backoff penalty is
// min(600, base * 2^(consecutiveErrors-1)) seconds.
func (p *Pool) ReleaseFailure(l Lease, statusCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := l.state
	st.consecutiveErrors++
	penalty := backoffPenalty(p.backoffBase, st.consecutiveErrors)
	st.backoffUntil = time.Now().Add(penalty)
	if statusCode > 0 {
		st.lastError = fmt.Sprintf("HTTP %d", statusCode)
	} else {
		st.lastError = "request error"
	}
	p.log.Warn("instance entering backoff",
		zap.String("instance", st.baseURL),
		zap.Duration("penalty", penalty),
		zap.String("error", st.lastError),
	)
}

func backoffPenalty(base, consecutiveErrors int) time.Duration {
	seconds := base
	for i := 1; i < consecutiveErrors; i++ {
		seconds *= 2
		if seconds >= 600 {
			seconds = 600
			break
		}
	}
	if seconds > 600 {
		seconds = 600
	}
	return time.Duration(seconds) * time.Second
}

// Snapshot returns the current state of every instance, for health
// reporting.
func (p *Pool) Snapshot() []model.InstanceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	out := make([]model.InstanceSnapshot, len(p.states))
	for i, st := range p.states {
		remaining := st.backoffUntil.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		out[i] = model.InstanceSnapshot{
			BaseURL:           st.baseURL,
			Tokens:            roundTo2(st.tokens),
			BackoffRemaining:  remaining,
			ConsecutiveErrors: st.consecutiveErrors,
			LastRTT:           st.lastRTT,
			LastError:         st.lastError,
		}
	}
	return out
}

func roundTo2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
