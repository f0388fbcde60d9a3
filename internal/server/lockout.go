package server

import (
	"strings"
	"sync"
	"time"
)

// EntityLockout tracks failed verifications per entity over a sliding
// window and locks the entity out once the failure threshold is reached.
// A successful verification clears the window.
type EntityLockout struct {
	mu          sync.Mutex
	maxFailures int
	window      time.Duration
	lockFor     time.Duration
	entries     map[string]*lockoutState
}

type lockoutState struct {
	failures    []time.Time
	lockedUntil time.Time
}

func NewEntityLockout(cfg LimitConfig) *EntityLockout {
	window := parseDurationOr(cfg.FailureWindow, 5*time.Minute)
	lockFor := parseDurationOr(cfg.LockoutFor, 15*time.Minute)
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &EntityLockout{
		maxFailures: maxFailures,
		window:      window,
		lockFor:     lockFor,
		entries:     map[string]*lockoutState{},
	}
}

// Locked reports whether the entity is currently locked out and until when.
func (l *EntityLockout) Locked(entityID string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.entries[entityID]
	if !ok {
		return false, time.Time{}
	}
	now := time.Now()
	if state.lockedUntil.After(now) {
		return true, state.lockedUntil
	}
	return false, time.Time{}
}

// RecordFailure notes a failed verification and returns true when this
// failure tripped the lockout.
func (l *EntityLockout) RecordFailure(entityID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	state, ok := l.entries[entityID]
	if !ok {
		state = &lockoutState{}
		l.entries[entityID] = state
	}
	state.failures = filterRecentTime(state.failures, now.Add(-l.window))
	state.failures = append(state.failures, now)
	if len(state.failures) >= l.maxFailures {
		state.lockedUntil = now.Add(l.lockFor)
		state.failures = nil
		return true
	}
	return false
}

// RecordSuccess clears the failure window for the entity. An active lock
// is not lifted; the entity has to wait it out.
func (l *EntityLockout) RecordSuccess(entityID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.entries[entityID]; ok {
		state.failures = nil
	}
}

func filterRecentTime(items []time.Time, cutoff time.Time) []time.Time {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
