package app

import (
	"context"
	"time"

	"skillvault-service/internal/domain"
)

const dateLayout = "2006-01-02"

// StreakTracker updates daily-quiz streaks on calendar days in a fixed location.
type StreakTracker struct {
	loc *time.Location
}

func NewStreakTracker(loc *time.Location) StreakTracker {
	if loc == nil {
		loc = time.UTC
	}
	return StreakTracker{loc: loc}
}

// Day formats the calendar day of t in the tracker's location.
func (t StreakTracker) Day(at time.Time) string {
	loc := t.loc
	if loc == nil {
		loc = time.UTC
	}
	return at.In(loc).Format(dateLayout)
}

// Apply advances the student's streak for a terminal daily-quiz attempt, once per attempt id.
func (t StreakTracker) Apply(ctx context.Context, tx Tx, attemptID, studentID string, at time.Time) (domain.Streak, bool, error) {
	first, err := tx.MarkApplied(ctx, attemptID, domain.AggregateStreak)
	if err != nil || !first {
		return domain.Streak{}, false, err
	}
	current, err := tx.LockStreak(ctx, studentID)
	if err != nil {
		return domain.Streak{}, false, err
	}
	current.StudentID = studentID
	next, changed := Advance(current, t.Day(at))
	if !changed {
		return current, false, nil
	}
	next.LastAttemptID = attemptID
	if err := tx.SaveStreak(ctx, next); err != nil {
		return domain.Streak{}, false, err
	}
	return next, true, nil
}

// Advance moves a streak to today. Days are compared as YYYY-MM-DD strings, so any activity on
// the previous calendar day continues the streak regardless of the hours between. A second
// completion on the same day leaves the streak untouched and reports changed=false.
func Advance(s domain.Streak, today string) (domain.Streak, bool) {
	if s.LastActivityDate == today {
		return s, false
	}
	out := s
	if s.LastActivityDate != "" && s.LastActivityDate == previousDay(today) {
		out.CurrentStreak++
	} else {
		out.CurrentStreak = 1
	}
	if out.CurrentStreak > out.LongestStreak {
		out.LongestStreak = out.CurrentStreak
	}
	out.TotalQuizzes++
	out.LastActivityDate = today
	return out, true
}

func previousDay(day string) string {
	t, err := time.Parse(dateLayout, day)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(dateLayout)
}
