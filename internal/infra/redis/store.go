package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"skillvault-service/internal/app"
	"skillvault-service/internal/domain"
)

const maxTxRetries = 3

// Store keeps every record as a JSON document in Redis.
//
// Key layout:
//
//	attempt:{id}                          attempt document
//	attempt:active:{student}:{assessment} id of the in-progress attempt
//	attempt:{id}:answers                  per-question records
//	attempt:{id}:applied                  set of aggregates that consumed the attempt
//	skill:{student}:{tag}, skills:{student}
//	streak:{student}
//	cert:{id}, cert:attempt:{attempt}, cert:code:{code}, certs:student:{student}
//
// Units of work run optimistically: keys are WATCHed, reads happen before MULTI and
// writes are queued into one MULTI/EXEC. A conflicting writer makes EXEC fail and the
// unit is retried.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

var _ app.Store = (*Store)(nil)

func attemptKey(id string) string { return "attempt:" + id }
func answersKey(id string) string { return "attempt:" + id + ":answers" }
func appliedKey(id string) string { return "attempt:" + id + ":applied" }
func skillKey(student, tag string) string { return "skill:" + student + ":" + tag }
func skillsKey(student string) string { return "skills:" + student }
func streakKey(student string) string { return "streak:" + student }
func certKey(id string) string { return "cert:" + id }
func certAttemptKey(id string) string { return "cert:attempt:" + id }
func certCodeKey(code string) string { return "cert:code:" + code }
func certsKey(student string) string { return "certs:student:" + student }

func activeKey(student, assessment string) string {
	return "attempt:active:" + student + ":" + assessment
}

func (s *Store) CreateAttempt(ctx context.Context, attempt domain.Attempt) (domain.Attempt, bool, error) {
	raw, err := json.Marshal(attempt)
	if err != nil {
		return domain.Attempt{}, false, err
	}
	// the document goes first so a winner's active pointer never dangles
	if err := s.client.Set(ctx, attemptKey(attempt.ID), raw, 0).Err(); err != nil {
		return domain.Attempt{}, false, err
	}
	won, err := s.client.SetNX(ctx, activeKey(attempt.StudentID, attempt.AssessmentID), attempt.ID, 0).Result()
	if err != nil {
		return domain.Attempt{}, false, err
	}
	if won {
		return attempt, true, nil
	}

	_ = s.client.Del(ctx, attemptKey(attempt.ID)).Err()
	id, err := s.client.Get(ctx, activeKey(attempt.StudentID, attempt.AssessmentID)).Result()
	if err != nil {
		if isNil(err) {
			// the previous attempt went terminal in between
			return s.CreateAttempt(ctx, attempt)
		}
		return domain.Attempt{}, false, err
	}
	existing, err := s.GetAttempt(ctx, id)
	if err != nil {
		return domain.Attempt{}, false, err
	}
	return existing, false, nil
}

func (s *Store) GetAttempt(ctx context.Context, attemptID string) (domain.Attempt, error) {
	var a domain.Attempt
	if err := getJSON(ctx, s.client, attemptKey(attemptID), &a); err != nil {
		return domain.Attempt{}, notFound(err, "attempt "+attemptID)
	}
	return a, nil
}

func (s *Store) ListAnswers(ctx context.Context, attemptID string) ([]domain.AttemptAnswer, error) {
	answers := []domain.AttemptAnswer{}
	if err := getJSON(ctx, s.client, answersKey(attemptID), &answers); err != nil && !isNil(err) {
		return nil, err
	}
	return answers, nil
}

func (s *Store) AppendFlags(ctx context.Context, attemptID string, flags []domain.ProctorFlag) (domain.Attempt, error) {
	var out domain.Attempt
	err := s.watch(ctx, func(tx *redis.Tx) error {
		var a domain.Attempt
		if err := getJSON(ctx, tx, attemptKey(attemptID), &a); err != nil {
			return notFound(err, "attempt "+attemptID)
		}
		if a.State.Terminal() {
			return fmt.Errorf("attempt %s is %s: %w", attemptID, a.State, domain.ErrInvalidState)
		}
		a.Flags = append(a.Flags, flags...)
		a.TabSwitches += domain.CountFlags(flags, domain.FlagTabSwitch)
		raw, err := json.Marshal(a)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, attemptKey(attemptID), raw, 0)
			return nil
		})
		out = a
		return err
	}, attemptKey(attemptID))
	return out, err
}

func (s *Store) GetCertificate(ctx context.Context, certificateID string) (domain.Certificate, error) {
	var c domain.Certificate
	if err := getJSON(ctx, s.client, certKey(certificateID), &c); err != nil {
		return domain.Certificate{}, notFound(err, "certificate "+certificateID)
	}
	return c, nil
}

func (s *Store) CertificateByCode(ctx context.Context, code string) (domain.Certificate, error) {
	id, err := s.client.Get(ctx, certCodeKey(domain.NormalizeCode(code))).Result()
	if err != nil {
		return domain.Certificate{}, notFound(err, "certificate code")
	}
	return s.GetCertificate(ctx, id)
}

func (s *Store) CertificateForAttempt(ctx context.Context, attemptID string) (domain.Certificate, error) {
	id, err := s.client.Get(ctx, certAttemptKey(attemptID)).Result()
	if err != nil {
		return domain.Certificate{}, notFound(err, "certificate for attempt "+attemptID)
	}
	return s.GetCertificate(ctx, id)
}

func (s *Store) ListCertificates(ctx context.Context, studentID string) ([]domain.Certificate, error) {
	ids, err := s.client.SMembers(ctx, certsKey(studentID)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = certKey(id)
	}
	out := []domain.Certificate{}
	if err := mgetJSON(ctx, s.client, keys, func(raw string) error {
		var c domain.Certificate
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (s *Store) RevokeCertificate(ctx context.Context, certificateID string, at time.Time) (domain.Certificate, error) {
	var out domain.Certificate
	err := s.watch(ctx, func(tx *redis.Tx) error {
		var c domain.Certificate
		if err := getJSON(ctx, tx, certKey(certificateID), &c); err != nil {
			return notFound(err, "certificate "+certificateID)
		}
		out = c
		if c.Revoked {
			return nil
		}
		c.Revoked = true
		c.RevokedAt = &at
		raw, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, certKey(certificateID), raw, 0)
			return nil
		})
		out = c
		return err
	}, certKey(certificateID))
	return out, err
}

func (s *Store) ListSkills(ctx context.Context, studentID string) ([]domain.UserSkill, error) {
	tags, err := s.client.SMembers(ctx, skillsKey(studentID)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(tags))
	for i, tag := range tags {
		keys[i] = skillKey(studentID, tag)
	}
	out := []domain.UserSkill{}
	if err := mgetJSON(ctx, s.client, keys, func(raw string) error {
		var sk domain.UserSkill
		if err := json.Unmarshal([]byte(raw), &sk); err != nil {
			return err
		}
		out = append(out, sk)
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SkillTag < out[j].SkillTag })
	return out, nil
}

func (s *Store) GetStreak(ctx context.Context, studentID string) (domain.Streak, error) {
	st := domain.Streak{StudentID: studentID}
	if err := getJSON(ctx, s.client, streakKey(studentID), &st); err != nil && !isNil(err) {
		return domain.Streak{}, err
	}
	return st, nil
}

// InTx runs fn inside an optimistic transaction over the keys named by scope. Keys discovered
// while fn runs are watched as they are read.
func (s *Store) InTx(ctx context.Context, scope app.TxScope, fn func(ctx context.Context, tx app.Tx) error) error {
	keys := []string{}
	if scope.AttemptID != "" {
		keys = append(keys, attemptKey(scope.AttemptID), appliedKey(scope.AttemptID), certAttemptKey(scope.AttemptID))
	}
	if scope.StudentID != "" {
		keys = append(keys, streakKey(scope.StudentID))
		if scope.SkillTag != "" {
			keys = append(keys, skillKey(scope.StudentID, scope.SkillTag))
		}
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
		unit := newDocTx(tx, keys)
		if err := fn(ctx, unit); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range unit.writes {
				w(ctx, pipe)
			}
			return nil
		})
		return err
	}, keys...)
}

func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction kept conflicting: %w", err)
}

type docTx struct {
	tx      *redis.Tx
	watched map[string]struct{}
	writes  []func(ctx context.Context, pipe redis.Pipeliner)

	applied map[string]struct{}
	answers map[string][]domain.AttemptAnswer
	certs   []domain.Certificate
}

func newDocTx(tx *redis.Tx, keys []string) *docTx {
	t := &docTx{
		tx:      tx,
		watched: make(map[string]struct{}, len(keys)),
		applied: make(map[string]struct{}),
		answers: make(map[string][]domain.AttemptAnswer),
	}
	for _, k := range keys {
		t.watched[k] = struct{}{}
	}
	return t
}

// watch adds a key to the WATCH set before it is read.
func (t *docTx) watch(ctx context.Context, key string) error {
	if _, ok := t.watched[key]; ok {
		return nil
	}
	if err := t.tx.Watch(ctx, key).Err(); err != nil {
		return err
	}
	t.watched[key] = struct{}{}
	return nil
}

func (t *docTx) queue(w func(ctx context.Context, pipe redis.Pipeliner)) {
	t.writes = append(t.writes, w)
}

func (t *docTx) setJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.queue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, key, raw, 0)
	})
	return nil
}

// ClaimAttempt reads the attempt document under WATCH; an AppendFlags committing before EXEC
// fails the transaction and the whole unit reruns on the fresh document.
func (t *docTx) ClaimAttempt(ctx context.Context, attemptID string, finish app.FinishFunc) (domain.Attempt, error) {
	key := attemptKey(attemptID)
	if err := t.watch(ctx, key); err != nil {
		return domain.Attempt{}, err
	}

	var current domain.Attempt
	if err := getJSON(ctx, t.tx, key, &current); err != nil {
		return domain.Attempt{}, notFound(err, "attempt "+attemptID)
	}
	if current.State != domain.StateInProgress {
		return domain.Attempt{}, fmt.Errorf("attempt %s is %s: %w", attemptID, current.State, domain.ErrInvalidState)
	}
	final, err := finish(current)
	if err != nil {
		return domain.Attempt{}, err
	}
	if err := t.setJSON(key, final); err != nil {
		return domain.Attempt{}, err
	}

	active := activeKey(current.StudentID, current.AssessmentID)
	if err := t.watch(ctx, active); err != nil {
		return domain.Attempt{}, err
	}
	owner, err := t.tx.Get(ctx, active).Result()
	if err != nil && !isNil(err) {
		return domain.Attempt{}, err
	}
	if owner == attemptID && final.State.Terminal() {
		t.queue(func(ctx context.Context, pipe redis.Pipeliner) {
			pipe.Del(ctx, active)
		})
	}
	return final, nil
}

func (t *docTx) SaveAnswers(_ context.Context, answers []domain.AttemptAnswer) error {
	touched := map[string]struct{}{}
	for _, a := range answers {
		t.answers[a.AttemptID] = append(t.answers[a.AttemptID], a)
		touched[a.AttemptID] = struct{}{}
	}
	for id := range touched {
		if err := t.setJSON(answersKey(id), t.answers[id]); err != nil {
			return err
		}
	}
	return nil
}

func (t *docTx) MarkApplied(ctx context.Context, attemptID string, aggregate domain.Aggregate) (bool, error) {
	key := appliedKey(attemptID)
	member := string(aggregate)
	if _, ok := t.applied[key+"|"+member]; ok {
		return false, nil
	}
	if err := t.watch(ctx, key); err != nil {
		return false, err
	}
	seen, err := t.tx.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	t.applied[key+"|"+member] = struct{}{}
	t.queue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.SAdd(ctx, key, member)
	})
	return true, nil
}

func (t *docTx) LockSkill(ctx context.Context, studentID, skillTag string) (domain.UserSkill, error) {
	key := skillKey(studentID, skillTag)
	if err := t.watch(ctx, key); err != nil {
		return domain.UserSkill{}, err
	}
	sk := domain.UserSkill{StudentID: studentID, SkillTag: skillTag}
	if err := getJSON(ctx, t.tx, key, &sk); err != nil && !isNil(err) {
		return domain.UserSkill{}, err
	}
	return sk, nil
}

func (t *docTx) SaveSkill(_ context.Context, skill domain.UserSkill) error {
	if err := t.setJSON(skillKey(skill.StudentID, skill.SkillTag), skill); err != nil {
		return err
	}
	t.queue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.SAdd(ctx, skillsKey(skill.StudentID), skill.SkillTag)
	})
	return nil
}

func (t *docTx) LockStreak(ctx context.Context, studentID string) (domain.Streak, error) {
	key := streakKey(studentID)
	if err := t.watch(ctx, key); err != nil {
		return domain.Streak{}, err
	}
	st := domain.Streak{StudentID: studentID}
	if err := getJSON(ctx, t.tx, key, &st); err != nil && !isNil(err) {
		return domain.Streak{}, err
	}
	return st, nil
}

func (t *docTx) SaveStreak(_ context.Context, streak domain.Streak) error {
	return t.setJSON(streakKey(streak.StudentID), streak)
}

func (t *docTx) CertificateByAttempt(ctx context.Context, attemptID string) (domain.Certificate, bool, error) {
	for _, c := range t.certs {
		if c.AttemptID == attemptID {
			return c, true, nil
		}
	}
	key := certAttemptKey(attemptID)
	if err := t.watch(ctx, key); err != nil {
		return domain.Certificate{}, false, err
	}
	id, err := t.tx.Get(ctx, key).Result()
	if isNil(err) {
		return domain.Certificate{}, false, nil
	}
	if err != nil {
		return domain.Certificate{}, false, err
	}
	var c domain.Certificate
	if err := getJSON(ctx, t.tx, certKey(id), &c); err != nil {
		return domain.Certificate{}, false, err
	}
	return c, true, nil
}

func (t *docTx) CodeTaken(ctx context.Context, code string) (bool, error) {
	for _, c := range t.certs {
		if c.Code == code {
			return true, nil
		}
	}
	key := certCodeKey(code)
	if err := t.watch(ctx, key); err != nil {
		return false, err
	}
	n, err := t.tx.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *docTx) InsertCertificate(ctx context.Context, cert domain.Certificate) error {
	_, exists, err := t.CertificateByAttempt(ctx, cert.AttemptID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("certificate for attempt %s: %w", cert.AttemptID, domain.ErrAlreadyExists)
	}
	if err := t.setJSON(certKey(cert.ID), cert); err != nil {
		return err
	}
	t.certs = append(t.certs, cert)
	t.queue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, certAttemptKey(cert.AttemptID), cert.ID, 0)
		pipe.Set(ctx, certCodeKey(cert.Code), cert.ID, 0)
		pipe.SAdd(ctx, certsKey(cert.StudentID), cert.ID)
	})
	return nil
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON(ctx context.Context, c getter, key string, v interface{}) error {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func mgetJSON(ctx context.Context, c *redis.Client, keys []string, each func(raw string) error) error {
	if len(keys) == 0 {
		return nil
	}
	values, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		if err := each(raw); err != nil {
			return err
		}
	}
	return nil
}

// notFound maps a missing key to domain.ErrNotFound and passes other errors through.
func notFound(err error, what string) error {
	if isNil(err) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return err
}
