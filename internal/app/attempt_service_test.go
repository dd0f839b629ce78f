package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"skillvault-service/internal/app"
	"skillvault-service/internal/domain"
	"skillvault-service/internal/infra/memory"
)

func TestStartOrResumeReturnsSameAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fourQuestionAssessment("go-101", 20))

	first, err := f.services.Attempts.StartOrResume(ctx, student, "go-101")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.Resumed || first.Attempt.State != domain.StateInProgress || first.Attempt.TotalMarks != 40 {
		t.Fatalf("unexpected first attempt %+v", first.Attempt)
	}
	for _, q := range first.Assessment.Questions {
		if q.CorrectKey != "" {
			t.Fatalf("student view leaked the answer key for %s", q.ID)
		}
	}

	f.clock.Advance(5 * time.Minute)
	second, err := f.services.Attempts.StartOrResume(ctx, student, "go-101")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !second.Resumed || second.Attempt.ID != first.Attempt.ID || !second.Attempt.StartedAt.Equal(first.Attempt.StartedAt) {
		t.Fatalf("expected the original attempt, got %+v", second.Attempt)
	}
}

func TestStartHidesInactiveAndForeignAssessments(t *testing.T) {
	ctx := context.Background()
	inactive := fourQuestionAssessment("old", 20)
	inactive.Active = false
	f := newFixture(inactive, fourQuestionAssessment("go-101", 20))

	if _, err := f.services.Attempts.StartOrResume(ctx, student, "old"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for inactive assessment, got %v", err)
	}
	if _, err := f.services.Attempts.StartOrResume(ctx, student, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown assessment, got %v", err)
	}
	other := domain.Caller{StudentID: "s9", CollegeID: "college-2", Role: domain.RoleStudent}
	if _, err := f.services.Attempts.StartOrResume(ctx, other, "go-101"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for another college, got %v", err)
	}
}

func TestStartRejectsInconsistentTotals(t *testing.T) {
	broken := fourQuestionAssessment("broken", 20)
	broken.TotalMarks = 50
	f := newFixture(broken)

	_, err := f.services.Attempts.StartOrResume(context.Background(), student, "broken")
	if !errors.Is(err, domain.ErrIntegrityViolation) {
		t.Fatalf("expected integrity violation, got %v", err)
	}
}

func TestSubmitTwiceReplaysStoredResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fourQuestionAssessment("go-101", 20))
	first := passAttempt(t, f, "go-101")
	if first.Replayed || first.Attempt.State != domain.StateEvaluated {
		t.Fatalf("unexpected first result %+v", first.Attempt)
	}

	// a different answer sheet must not change the stored outcome
	second, err := f.services.Attempts.Submit(ctx, student, first.Attempt.ID, app.Submission{
		Answers: map[string]string{"q1": "D", "q2": "D", "q3": "D", "q4": "D"},
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected a replayed result")
	}
	if second.Attempt.ObtainedMarks != first.Attempt.ObtainedMarks || len(second.Answers) != 4 {
		t.Fatalf("replayed result differs: %+v", second.Attempt)
	}
	if second.Certificate == nil || second.Certificate.ID != first.Certificate.ID {
		t.Fatalf("replayed result should carry the original certificate")
	}

	skills, _ := f.services.Attempts.Skills(ctx, student)
	if len(skills) != 1 || skills[0].QuestionCount != 4 {
		t.Fatalf("skill aggregate applied more than once: %+v", skills)
	}
}

func TestConcurrentSubmitsApplyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fourQuestionAssessment("go-101", 20))
	started, err := f.services.Attempts.StartOrResume(ctx, student, "go-101")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan app.SubmissionResult, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.services.Attempts.Submit(ctx, student, started.Attempt.ID, app.Submission{
				Answers: map[string]string{"q1": "A", "q2": "B", "q3": "C"},
			})
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("submit: %v", err)
	}
	fresh := 0
	certIDs := map[string]struct{}{}
	for res := range results {
		if !res.Replayed {
			fresh++
		}
		if res.Certificate != nil {
			certIDs[res.Certificate.ID] = struct{}{}
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one applied submission, got %d", fresh)
	}
	if len(certIDs) != 1 {
		t.Fatalf("expected one certificate, got %d", len(certIDs))
	}
	skills, _ := f.services.Attempts.Skills(ctx, student)
	if len(skills) != 1 || skills[0].QuestionCount != 4 || skills[0].CorrectCount != 3 {
		t.Fatalf("unexpected skill after concurrent submits: %+v", skills)
	}
}

func TestSubmitForeignAttemptIsNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fourQuestionAssessment("go-101", 20))
	started, _ := f.services.Attempts.StartOrResume(ctx, student, "go-101")

	other := domain.Caller{StudentID: "s2", CollegeID: "college-1"}
	if _, err := f.services.Attempts.Submit(ctx, other, started.Attempt.ID, app.Submission{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.services.Attempts.Result(ctx, other, started.Attempt.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLateSubmissionIsFlaggedButScored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fourQuestionAssessment("go-101", 20))
	started, _ := f.services.Attempts.StartOrResume(ctx, student, "go-101")

	f.clock.Advance(45 * time.Minute)
	res, err := f.services.Attempts.Submit(ctx, student, started.Attempt.ID, app.Submission{
		Answers: map[string]string{"q1": "A", "q2": "B"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Attempt.State != domain.StateEvaluated || !res.Attempt.Passed {
		t.Fatalf("late submission should still be evaluated: %+v", res.Attempt)
	}
	if domain.CountFlags(res.Attempt.Flags, domain.FlagLateSubmission) != 1 {
		t.Fatalf("expected a late_submission flag, got %+v", res.Attempt.Flags)
	}
	if res.Attempt.TimeTakenSeconds != 45*60 {
		t.Fatalf("unexpected time taken %d", res.Attempt.TimeTakenSeconds)
	}
}

func TestAutoSubmittedStillScoresAndCertifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fourQuestionAssessment("go-101", 20))
	started, _ := f.services.Attempts.StartOrResume(ctx, student, "go-101")

	res, err := f.services.Attempts.Submit(ctx, student, started.Attempt.ID, app.Submission{
		Answers:     map[string]string{"q1": "A", "q2": "B"},
		TabSwitches: 3,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Attempt.State != domain.StateAutoSubmitted || res.Attempt.ObtainedMarks != 20 {
		t.Fatalf("unexpected result %+v", res.Attempt)
	}
	if res.Certificate == nil {
		t.Fatalf("a passing auto-submitted attempt is still certified")
	}

	// the pair is free again once the attempt is terminal
	next, err := f.services.Attempts.StartOrResume(ctx, student, "go-101")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if next.Resumed || next.Attempt.ID == started.Attempt.ID {
		t.Fatalf("expected a fresh attempt, got %+v", next.Attempt)
	}
}

// racingStore appends live flags just before a unit of work starts, landing between Submit
// reading the attempt and claiming it.
type racingStore struct {
	*memory.Store
	attemptID string
	pending   []domain.ProctorFlag
}

func (s *racingStore) InTx(ctx context.Context, scope app.TxScope, fn func(ctx context.Context, tx app.Tx) error) error {
	if len(s.pending) > 0 {
		flags := s.pending
		s.pending = nil
		if _, err := s.Store.AppendFlags(ctx, s.attemptID, flags); err != nil {
			return err
		}
	}
	return s.Store.InTx(ctx, scope, fn)
}

func TestSubmitClassifiesOnFlagsRecordedBeforeClaim(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{Store: memory.NewStore()}
	f := newFixtureOn(store, nil, fourQuestionAssessment("go-101", 20))
	started, err := f.services.Attempts.StartOrResume(ctx, student, "go-101")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	id := started.Attempt.ID
	for i := 0; i < 2; i++ {
		if _, err := f.services.Proctor.RecordFlags(ctx, student, id, []domain.ProctorFlag{{Type: domain.FlagTabSwitch}}); err != nil {
			t.Fatalf("record flag: %v", err)
		}
	}

	store.attemptID = id
	store.pending = []domain.ProctorFlag{{Type: domain.FlagTabSwitch, At: f.clock.Now()}}
	res, err := f.services.Attempts.Submit(ctx, student, id, app.Submission{Answers: map[string]string{"q1": "A"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Attempt.State != domain.StateAutoSubmitted || res.Attempt.TabSwitches != 3 || len(res.Attempt.Flags) != 3 {
		t.Fatalf("expected auto_submitted with 3 recorded switches, got %+v", res.Attempt)
	}

	stored, err := store.GetAttempt(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != domain.StateAutoSubmitted || stored.TabSwitches != 3 || len(stored.Flags) != 3 {
		t.Fatalf("stored attempt lost a flag: state=%s tabSwitches=%d flags=%d", stored.State, stored.TabSwitches, len(stored.Flags))
	}
}

func TestSubmitStampsFlagsWithoutTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fourQuestionAssessment("go-101", 20))
	started, _ := f.services.Attempts.StartOrResume(ctx, student, "go-101")
	f.clock.Advance(5 * time.Minute)

	sent := time.Date(2024, 1, 10, 9, 2, 0, 0, time.UTC)
	res, err := f.services.Attempts.Submit(ctx, student, started.Attempt.ID, app.Submission{
		Flags: []domain.ProctorFlag{{Type: domain.FlagCopyPaste}, {Type: domain.FlagRightClick, At: sent}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(res.Attempt.Flags) != 2 {
		t.Fatalf("expected 2 flags, got %+v", res.Attempt.Flags)
	}
	if !res.Attempt.Flags[0].At.Equal(f.clock.Now()) {
		t.Fatalf("expected missing time stamped with %v, got %v", f.clock.Now(), res.Attempt.Flags[0].At)
	}
	if !res.Attempt.Flags[1].At.Equal(sent) {
		t.Fatalf("client time should be kept, got %v", res.Attempt.Flags[1].At)
	}
}

var errCommitLost = errors.New("commit lost")

// failingStore rolls back every unit of work after its callback succeeded.
type failingStore struct {
	*memory.Store
}

func (s *failingStore) InTx(ctx context.Context, scope app.TxScope, fn func(ctx context.Context, tx app.Tx) error) error {
	return s.Store.InTx(ctx, scope, func(ctx context.Context, tx app.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return errCommitLost
	})
}

func TestCertificateMetricCountsCommittedMintsOnly(t *testing.T) {
	ctx := context.Background()
	rec := &countingRecorder{}
	f := newFixtureOn(memory.NewStore(), rec, fourQuestionAssessment("go-101", 20))

	res := passAttempt(t, f, "go-101")
	if res.Certificate == nil || rec.Issued() != 1 {
		t.Fatalf("expected one minted certificate, got %d", rec.Issued())
	}
	if _, err := f.services.Certificates.Issue(ctx, student, res.Attempt.ID); err != nil {
		t.Fatalf("issue again: %v", err)
	}
	if _, err := f.services.Attempts.Submit(ctx, student, res.Attempt.ID, app.Submission{}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if rec.Issued() != 1 {
		t.Fatalf("existing certificates must not be counted again, got %d", rec.Issued())
	}

	failing := &countingRecorder{}
	g := newFixtureOn(&failingStore{Store: memory.NewStore()}, failing, fourQuestionAssessment("go-101", 20))
	started, err := g.services.Attempts.StartOrResume(ctx, student, "go-101")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = g.services.Attempts.Submit(ctx, student, started.Attempt.ID, app.Submission{
		Answers: map[string]string{"q1": "A", "q2": "B", "q3": "C"},
	})
	if !errors.Is(err, errCommitLost) {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if failing.Issued() != 0 {
		t.Fatalf("rolled back certificate was counted")
	}
}
