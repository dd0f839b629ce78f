package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"skillvault-service/internal/app"
	"skillvault-service/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewStore(newClient(mr)), mr
}

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
}

func finishAs(state domain.AttemptState) app.FinishFunc {
	return func(current domain.Attempt) (domain.Attempt, error) {
		current.State = state
		return current, nil
	}
}

func inProgress(id string) domain.Attempt {
	return domain.Attempt{
		ID:           id,
		AssessmentID: "go-101",
		StudentID:    "s1",
		State:        domain.StateInProgress,
		StartedAt:    time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
		TotalMarks:   40,
		Flags:        []domain.ProctorFlag{},
	}
}

func TestStoreCreateAttemptResumesInProgress(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	first, created, err := store.CreateAttempt(ctx, inProgress("a1"))
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := store.CreateAttempt(ctx, inProgress("a2"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)
	require.False(t, mr.Exists("attempt:a2"), "losing document should be removed")
}

func TestStoreTerminalTransitionAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	_, _, err := store.CreateAttempt(ctx, inProgress("a1"))
	require.NoError(t, err)

	scope := app.TxScope{AttemptID: "a1", StudentID: "s1", SkillTag: "go"}

	apply := func() error {
		return store.InTx(ctx, scope, func(ctx context.Context, tx app.Tx) error {
			if _, err := tx.ClaimAttempt(ctx, "a1", finishAs(domain.StateEvaluated)); err != nil {
				return err
			}
			first, err := tx.MarkApplied(ctx, "a1", domain.AggregateSkill)
			if err != nil || !first {
				return err
			}
			sk, err := tx.LockSkill(ctx, "s1", "go")
			if err != nil {
				return err
			}
			sk.QuestionCount += 4
			return tx.SaveSkill(ctx, sk)
		})
	}

	require.NoError(t, apply())
	require.False(t, mr.Exists("attempt:active:s1:go-101"), "terminal attempt frees the pair")

	err = apply()
	require.True(t, errors.Is(err, domain.ErrInvalidState), "got %v", err)

	skills, err := store.ListSkills(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, skills, 1)
	require.Equal(t, 4, skills[0].QuestionCount)

	stored, err := store.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, domain.StateEvaluated, stored.State)
}

func TestStoreClaimRerunsWhenFlagsLandMidUnit(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, _, err := store.CreateAttempt(ctx, inProgress("a1"))
	require.NoError(t, err)
	_, err = store.AppendFlags(ctx, "a1", []domain.ProctorFlag{{Type: domain.FlagTabSwitch}, {Type: domain.FlagTabSwitch}})
	require.NoError(t, err)

	runs := 0
	seen := []int{}
	err = store.InTx(ctx, app.TxScope{AttemptID: "a1", StudentID: "s1"}, func(ctx context.Context, tx app.Tx) error {
		runs++
		_, err := tx.ClaimAttempt(ctx, "a1", func(current domain.Attempt) (domain.Attempt, error) {
			seen = append(seen, current.TabSwitches)
			if runs == 1 {
				// a live flag commits on another connection after the claim read the document
				if _, err := store.AppendFlags(ctx, "a1", []domain.ProctorFlag{{Type: domain.FlagTabSwitch}}); err != nil {
					return domain.Attempt{}, err
				}
			}
			current.State = domain.StateAutoSubmitted
			return current, nil
		})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 2, runs)
	require.Equal(t, []int{2, 3}, seen)

	stored, err := store.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, domain.StateAutoSubmitted, stored.State)
	require.Equal(t, 3, stored.TabSwitches)
	require.Len(t, stored.Flags, 3)
}

func TestStoreFailedUnitWritesNothing(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, _, err := store.CreateAttempt(ctx, inProgress("a1"))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.InTx(ctx, app.TxScope{AttemptID: "a1", StudentID: "s1"}, func(ctx context.Context, tx app.Tx) error {
		if _, err := tx.ClaimAttempt(ctx, "a1", finishAs(domain.StateEvaluated)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stored, err := store.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, domain.StateInProgress, stored.State)
}

func TestStoreCertificatesAreUniquePerAttempt(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	cert := domain.Certificate{
		ID:        "c1",
		AttemptID: "a1",
		StudentID: "s1",
		Code:      "SV-LQ2X-0A1B2C3D",
		IssuedAt:  time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
	}
	insert := func(c domain.Certificate) error {
		return store.InTx(ctx, app.TxScope{AttemptID: c.AttemptID}, func(ctx context.Context, tx app.Tx) error {
			return tx.InsertCertificate(ctx, c)
		})
	}
	require.NoError(t, insert(cert))

	dup := cert
	dup.ID, dup.Code = "c2", "SV-LQ2X-FFFFFFFF"
	require.ErrorIs(t, insert(dup), domain.ErrAlreadyExists)

	byCode, err := store.CertificateByCode(ctx, "sv-lq2x-0a1b2c3d")
	require.NoError(t, err)
	require.Equal(t, "c1", byCode.ID)

	listed, err := store.ListCertificates(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	revokedAt := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	revoked, err := store.RevokeCertificate(ctx, "c1", revokedAt)
	require.NoError(t, err)
	require.True(t, revoked.Revoked)
	again, err := store.RevokeCertificate(ctx, "c1", revokedAt.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, again.RevokedAt.Equal(revokedAt))

	_, err = store.CertificateByCode(ctx, "SV-NOPE")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoreAppendFlagsRejectsTerminal(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, _, err := store.CreateAttempt(ctx, inProgress("a1"))
	require.NoError(t, err)

	updated, err := store.AppendFlags(ctx, "a1", []domain.ProctorFlag{{Type: domain.FlagTabSwitch}, {Type: domain.FlagCopyPaste}})
	require.NoError(t, err)
	require.Equal(t, 1, updated.TabSwitches)
	require.Len(t, updated.Flags, 2)

	require.NoError(t, store.InTx(ctx, app.TxScope{AttemptID: "a1"}, func(ctx context.Context, tx app.Tx) error {
		claimed, err := tx.ClaimAttempt(ctx, "a1", finishAs(domain.StateAutoSubmitted))
		if err != nil {
			return err
		}
		require.Equal(t, 1, claimed.TabSwitches, "claim sees recorded flags")
		return nil
	}))

	_, err = store.AppendFlags(ctx, "a1", []domain.ProctorFlag{{Type: domain.FlagTabSwitch}})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = store.GetAttempt(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoreStreakDefaultsToZero(t *testing.T) {
	store, _ := newTestStore(t)
	st, err := store.GetStreak(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, domain.Streak{StudentID: "s1"}, st)
}
