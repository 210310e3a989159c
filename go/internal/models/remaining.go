package models

import "time"

// RemainingAt derives the live remaining budget from an anchor. It is a pure function of its
// inputs: while active the budget decays from turnStartedAt, otherwise the stored value is
// returned unchanged. Results never go below zero.
func RemainingAt(stored int64, turnStartedAt *time.Time, isActive bool, now time.Time) int64 {
	if !isActive || turnStartedAt == nil {
		return stored
	}
	remaining := stored - ElapsedMs(*turnStartedAt, now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ElapsedMs returns whole milliseconds from start to now, or 0 if now is before start.
func ElapsedMs(start, now time.Time) int64 {
	elapsed := now.Sub(start).Milliseconds()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// RemainingAt evaluates the state's anchor at now.
func (s SessionTimerState) RemainingAt(now time.Time) int64 {
	return RemainingAt(s.RemainingTimeMs, s.TurnStartedAt, s.IsActive, now)
}
