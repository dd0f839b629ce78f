package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"skillvault-service/internal/app"
	"skillvault-service/internal/domain"
)

// Open connects bun to Postgres through pgdriver.
func Open(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

// Store is the relational implementation of app.Store. A partial unique index keeps one
// in-progress attempt per (student, assessment), and units of work are database
// transactions that lock aggregate rows with SELECT ... FOR UPDATE.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

var _ app.Store = (*Store)(nil)

func (s *Store) CreateAttempt(ctx context.Context, attempt domain.Attempt) (domain.Attempt, bool, error) {
	for i := 0; i < 3; i++ {
		res, err := s.db.NewInsert().
			Model(toAttemptRow(attempt)).
			On("CONFLICT (student_id, assessment_id) WHERE state = 'in_progress' DO NOTHING").
			Exec(ctx)
		if err != nil {
			return domain.Attempt{}, false, fmt.Errorf("insert attempt: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return attempt, true, nil
		}

		var row attemptRow
		err = s.db.NewSelect().
			Model(&row).
			Where("student_id = ?", attempt.StudentID).
			Where("assessment_id = ?", attempt.AssessmentID).
			Where("state = ?", string(domain.StateInProgress)).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			// the conflicting attempt went terminal in between
			continue
		}
		if err != nil {
			return domain.Attempt{}, false, err
		}
		return row.toDomain(), false, nil
	}
	return domain.Attempt{}, false, fmt.Errorf("create attempt for %s/%s: contention", attempt.StudentID, attempt.AssessmentID)
}

func (s *Store) GetAttempt(ctx context.Context, attemptID string) (domain.Attempt, error) {
	return getAttempt(ctx, s.db, attemptID, false)
}

func (s *Store) ListAnswers(ctx context.Context, attemptID string) ([]domain.AttemptAnswer, error) {
	var rows []answerRow
	if err := s.db.NewSelect().Model(&rows).Where("attempt_id = ?", attemptID).Order("question_id").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.AttemptAnswer, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) AppendFlags(ctx context.Context, attemptID string, flags []domain.ProctorFlag) (domain.Attempt, error) {
	var out domain.Attempt
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		a, err := getAttempt(ctx, tx, attemptID, true)
		if err != nil {
			return err
		}
		if a.State.Terminal() {
			return fmt.Errorf("attempt %s is %s: %w", attemptID, a.State, domain.ErrInvalidState)
		}
		a.Flags = append(a.Flags, flags...)
		a.TabSwitches += domain.CountFlags(flags, domain.FlagTabSwitch)
		if _, err := tx.NewUpdate().
			Model(toAttemptRow(a)).
			Column("flags", "tab_switches").
			WherePK().
			Exec(ctx); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

func (s *Store) GetCertificate(ctx context.Context, certificateID string) (domain.Certificate, error) {
	return s.certificateWhere(ctx, "id = ?", certificateID)
}

func (s *Store) CertificateByCode(ctx context.Context, code string) (domain.Certificate, error) {
	return s.certificateWhere(ctx, "code = ?", domain.NormalizeCode(code))
}

func (s *Store) CertificateForAttempt(ctx context.Context, attemptID string) (domain.Certificate, error) {
	return s.certificateWhere(ctx, "attempt_id = ?", attemptID)
}

func (s *Store) certificateWhere(ctx context.Context, where string, arg interface{}) (domain.Certificate, error) {
	var row certificateRow
	err := s.db.NewSelect().Model(&row).Where(where, arg).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Certificate{}, fmt.Errorf("certificate: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Certificate{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListCertificates(ctx context.Context, studentID string) ([]domain.Certificate, error) {
	var rows []certificateRow
	if err := s.db.NewSelect().Model(&rows).Where("student_id = ?", studentID).Order("issued_at DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.Certificate, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) RevokeCertificate(ctx context.Context, certificateID string, at time.Time) (domain.Certificate, error) {
	_, err := s.db.NewUpdate().
		Model((*certificateRow)(nil)).
		Set("revoked = TRUE").
		Set("revoked_at = ?", at).
		Where("id = ?", certificateID).
		Where("NOT revoked").
		Exec(ctx)
	if err != nil {
		return domain.Certificate{}, err
	}
	return s.GetCertificate(ctx, certificateID)
}

func (s *Store) ListSkills(ctx context.Context, studentID string) ([]domain.UserSkill, error) {
	var rows []skillRow
	if err := s.db.NewSelect().Model(&rows).Where("student_id = ?", studentID).Order("skill_tag").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.UserSkill, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) GetStreak(ctx context.Context, studentID string) (domain.Streak, error) {
	var row streakRow
	err := s.db.NewSelect().Model(&row).Where("student_id = ?", studentID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Streak{StudentID: studentID}, nil
	}
	if err != nil {
		return domain.Streak{}, err
	}
	return row.toDomain(), nil
}

// InTx runs fn in one database transaction.
func (s *Store) InTx(ctx context.Context, _ app.TxScope, fn func(ctx context.Context, tx app.Tx) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

type pgTx struct {
	tx bun.Tx
}

// ClaimAttempt locks the attempt row, so AppendFlags either committed before the claim read
// the row or waits and then sees it terminal.
func (t *pgTx) ClaimAttempt(ctx context.Context, attemptID string, finish app.FinishFunc) (domain.Attempt, error) {
	current, err := getAttempt(ctx, t.tx, attemptID, true)
	if err != nil {
		return domain.Attempt{}, err
	}
	if current.State != domain.StateInProgress {
		return domain.Attempt{}, fmt.Errorf("attempt %s is %s: %w", attemptID, current.State, domain.ErrInvalidState)
	}
	final, err := finish(current)
	if err != nil {
		return domain.Attempt{}, err
	}
	if _, err := t.tx.NewUpdate().
		Model(toAttemptRow(final)).
		WherePK().
		Exec(ctx); err != nil {
		return domain.Attempt{}, fmt.Errorf("claim attempt: %w", err)
	}
	return final, nil
}

func (t *pgTx) SaveAnswers(ctx context.Context, answers []domain.AttemptAnswer) error {
	if len(answers) == 0 {
		return nil
	}
	rows := toAnswerRows(answers)
	_, err := t.tx.NewInsert().Model(&rows).Exec(ctx)
	return err
}

func (t *pgTx) MarkApplied(ctx context.Context, attemptID string, aggregate domain.Aggregate) (bool, error) {
	res, err := t.tx.NewInsert().
		Model(&applicationRow{AttemptID: attemptID, Aggregate: string(aggregate), AppliedAt: time.Now().UTC()}).
		On("CONFLICT (attempt_id, aggregate) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// LockSkill makes sure the row exists so concurrent first updates serialize on its lock.
func (t *pgTx) LockSkill(ctx context.Context, studentID, skillTag string) (domain.UserSkill, error) {
	zero := &skillRow{StudentID: studentID, SkillTag: skillTag, Level: string(domain.LevelBeginner)}
	if _, err := t.tx.NewInsert().Model(zero).On("CONFLICT (student_id, skill_tag) DO NOTHING").Exec(ctx); err != nil {
		return domain.UserSkill{}, err
	}
	var row skillRow
	err := t.tx.NewSelect().
		Model(&row).
		Where("student_id = ?", studentID).
		Where("skill_tag = ?", skillTag).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		return domain.UserSkill{}, err
	}
	return row.toDomain(), nil
}

func (t *pgTx) SaveSkill(ctx context.Context, skill domain.UserSkill) error {
	_, err := t.tx.NewUpdate().Model(toSkillRow(skill)).WherePK().Exec(ctx)
	return err
}

func (t *pgTx) LockStreak(ctx context.Context, studentID string) (domain.Streak, error) {
	if _, err := t.tx.NewInsert().Model(&streakRow{StudentID: studentID}).On("CONFLICT (student_id) DO NOTHING").Exec(ctx); err != nil {
		return domain.Streak{}, err
	}
	var row streakRow
	if err := t.tx.NewSelect().Model(&row).Where("student_id = ?", studentID).For("UPDATE").Scan(ctx); err != nil {
		return domain.Streak{}, err
	}
	return row.toDomain(), nil
}

func (t *pgTx) SaveStreak(ctx context.Context, streak domain.Streak) error {
	_, err := t.tx.NewUpdate().Model(toStreakRow(streak)).WherePK().Exec(ctx)
	return err
}

func (t *pgTx) CertificateByAttempt(ctx context.Context, attemptID string) (domain.Certificate, bool, error) {
	var row certificateRow
	err := t.tx.NewSelect().Model(&row).Where("attempt_id = ?", attemptID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Certificate{}, false, nil
	}
	if err != nil {
		return domain.Certificate{}, false, err
	}
	return row.toDomain(), true, nil
}

func (t *pgTx) CodeTaken(ctx context.Context, code string) (bool, error) {
	return t.tx.NewSelect().Model((*certificateRow)(nil)).Where("code = ?", code).Exists(ctx)
}

func (t *pgTx) InsertCertificate(ctx context.Context, cert domain.Certificate) error {
	res, err := t.tx.NewInsert().
		Model(toCertificateRow(cert)).
		On("CONFLICT (attempt_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert certificate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("certificate for attempt %s: %w", cert.AttemptID, domain.ErrAlreadyExists)
	}
	return nil
}

func getAttempt(ctx context.Context, db bun.IDB, attemptID string, forUpdate bool) (domain.Attempt, error) {
	var row attemptRow
	q := db.NewSelect().Model(&row).Where("id = ?", attemptID)
	if forUpdate {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Attempt{}, err
	}
	return row.toDomain(), nil
}
