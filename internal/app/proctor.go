package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"skillvault-service/internal/domain"
)

// DefaultTabSwitchLimit is the number of tab switches that forces a submission.
const DefaultTabSwitchLimit = 3

// ProctorPolicy is the fixed threshold policy applied to integrity signals.
//
// Tab switch counts come from the browser and cannot be verified. The server is the only
// party allowed to turn them into a classification, but a tampered client can still
// under-report: this is a policy over an advisory signal, not tamper resistance.
type ProctorPolicy struct {
	TabSwitchLimit int
	LateGrace      time.Duration
}

func (p ProctorPolicy) limit() int {
	if p.TabSwitchLimit <= 0 {
		return DefaultTabSwitchLimit
	}
	return p.TabSwitchLimit
}

// Classify maps a tab switch count to the terminal state of the submission.
func (p ProctorPolicy) Classify(tabSwitches int) domain.AttemptState {
	if tabSwitches >= p.limit() {
		return domain.StateAutoSubmitted
	}
	return domain.StateEvaluated
}

// EffectiveTabSwitches combines the count reported at submit with what the live channel recorded.
func (p ProctorPolicy) EffectiveTabSwitches(reported int, attempt domain.Attempt) int {
	if reported < 0 {
		reported = 0
	}
	if attempt.TabSwitches > reported {
		return attempt.TabSwitches
	}
	return reported
}

// IsLate reports whether a submission arrives after the assessment duration plus grace.
func (p ProctorPolicy) IsLate(attempt domain.Attempt, assessment domain.Assessment, at time.Time) bool {
	if assessment.DurationMinutes <= 0 {
		return false
	}
	deadline := attempt.StartedAt.Add(time.Duration(assessment.DurationMinutes)*time.Minute + p.LateGrace)
	return at.After(deadline)
}

// IntegrityStatus is pushed to every live connection of an attempt.
type IntegrityStatus struct {
	AttemptID   string               `json:"attemptId"`
	TabSwitches int                  `json:"tabSwitches"`
	Limit       int                  `json:"limit"`
	Remaining   int                  `json:"remaining"`
	AutoSubmit  bool                 `json:"autoSubmit"`
	Flags       []domain.ProctorFlag `json:"flags,omitempty"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// ProctorMonitor records live integrity events and fans status out to subscribers.
type ProctorMonitor struct {
	policy   ProctorPolicy
	attempts AttemptRepository
	now      func() time.Time

	mu       sync.Mutex
	channels map[string]*attemptChannel
}

func NewProctorMonitor(policy ProctorPolicy, attempts AttemptRepository) *ProctorMonitor {
	return NewProctorMonitorWithClock(policy, attempts, time.Now)
}

// NewProctorMonitorWithClock allows deterministic timestamps in tests.
func NewProctorMonitorWithClock(policy ProctorPolicy, attempts AttemptRepository, now func() time.Time) *ProctorMonitor {
	return &ProctorMonitor{
		policy:   policy,
		attempts: attempts,
		now:      now,
		channels: make(map[string]*attemptChannel),
	}
}

// Policy exposes the threshold policy in use.
func (m *ProctorMonitor) Policy() ProctorPolicy {
	return m.policy
}

// Status returns the current integrity status of an attempt owned by the caller.
func (m *ProctorMonitor) Status(ctx context.Context, caller domain.Caller, attemptID string) (IntegrityStatus, error) {
	attempt, err := loadOwnedAttempt(ctx, m.attempts, caller, attemptID)
	if err != nil {
		return IntegrityStatus{}, err
	}
	return m.statusFor(attempt, nil), nil
}

// RecordFlags appends integrity events to an in-progress attempt and broadcasts the new status.
func (m *ProctorMonitor) RecordFlags(ctx context.Context, caller domain.Caller, attemptID string, flags []domain.ProctorFlag) (IntegrityStatus, error) {
	attempt, err := loadOwnedAttempt(ctx, m.attempts, caller, attemptID)
	if err != nil {
		return IntegrityStatus{}, err
	}
	if attempt.State.Terminal() {
		return IntegrityStatus{}, fmt.Errorf("record flags on %s attempt: %w", attempt.State, domain.ErrInvalidState)
	}

	stamped := stampFlags(flags, m.now())

	updated, err := m.attempts.AppendFlags(ctx, attemptID, stamped)
	if err != nil {
		return IntegrityStatus{}, err
	}
	status := m.statusFor(updated, stamped)
	m.broadcast(attemptID, status)
	return status, nil
}

// Subscribe returns a channel receiving status updates for an attempt.
// The caller must invoke the returned cancel function to avoid leaks.
func (m *ProctorMonitor) Subscribe(ctx context.Context, caller domain.Caller, attemptID string) (<-chan IntegrityStatus, func(), error) {
	attempt, err := loadOwnedAttempt(ctx, m.attempts, caller, attemptID)
	if err != nil {
		return nil, nil, err
	}

	initial := m.statusFor(attempt, nil)

	// registering under m.mu keeps a concurrent last cancel from dropping ch from the map
	m.mu.Lock()
	ch, ok := m.channels[attemptID]
	if !ok {
		ch = newAttemptChannel()
		m.channels[attemptID] = ch
	}
	updates, cancel := ch.subscribe(initial)
	m.mu.Unlock()

	return updates, func() {
		cancel()
		m.mu.Lock()
		if ch.isEmpty() && m.channels[attemptID] == ch {
			delete(m.channels, attemptID)
		}
		m.mu.Unlock()
	}, nil
}

func (m *ProctorMonitor) broadcast(attemptID string, status IntegrityStatus) {
	m.mu.Lock()
	ch, ok := m.channels[attemptID]
	m.mu.Unlock()
	if ok {
		ch.broadcast(status)
	}
}

func (m *ProctorMonitor) statusFor(attempt domain.Attempt, flags []domain.ProctorFlag) IntegrityStatus {
	limit := m.policy.limit()
	remaining := limit - attempt.TabSwitches
	if remaining < 0 {
		remaining = 0
	}
	return IntegrityStatus{
		AttemptID:   attempt.ID,
		TabSwitches: attempt.TabSwitches,
		Limit:       limit,
		Remaining:   remaining,
		AutoSubmit:  !attempt.State.Terminal() && m.policy.Classify(attempt.TabSwitches) == domain.StateAutoSubmitted,
		Flags:       flags,
		UpdatedAt:   m.now(),
	}
}

// attemptChannel fans integrity status out to every open connection of one attempt.
type attemptChannel struct {
	mu          sync.Mutex
	subscribers map[chan IntegrityStatus]struct{}
}

func newAttemptChannel() *attemptChannel {
	return &attemptChannel{subscribers: make(map[chan IntegrityStatus]struct{})}
}

func (c *attemptChannel) subscribe(initial IntegrityStatus) (<-chan IntegrityStatus, func()) {
	ch := make(chan IntegrityStatus, 8)

	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()

	ch <- initial

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *attemptChannel) broadcast(status IntegrityStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- status:
		default:
			// drop the oldest update so a slow reader never blocks the recorder
			select {
			case <-ch:
			default:
			}
			ch <- status
		}
	}
}

func (c *attemptChannel) isEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers) == 0
}

// stampFlags copies flags, giving the ones the client sent without a time the server's time.
func stampFlags(flags []domain.ProctorFlag, now time.Time) []domain.ProctorFlag {
	stamped := make([]domain.ProctorFlag, 0, len(flags))
	for _, f := range flags {
		if f.At.IsZero() {
			f.At = now
		}
		stamped = append(stamped, f)
	}
	return stamped
}

// loadOwnedAttempt hides attempts of other students behind ErrNotFound.
func loadOwnedAttempt(ctx context.Context, attempts AttemptRepository, caller domain.Caller, attemptID string) (domain.Attempt, error) {
	attempt, err := attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		return domain.Attempt{}, err
	}
	if attempt.StudentID != caller.StudentID {
		return domain.Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, domain.ErrNotFound)
	}
	return attempt, nil
}
