package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"skillvault-service/internal/app"
	"skillvault-service/internal/domain"
)

type pairKey struct {
	studentID    string
	assessmentID string
}

type skillKey struct {
	studentID string
	skillTag  string
}

type appliedKey struct {
	attemptID string
	aggregate domain.Aggregate
}

// Store is an in-memory implementation of app.Store. Units of work run under one
// lock and stage their writes until the callback returns nil.
type Store struct {
	mu            sync.RWMutex
	attempts      map[string]domain.Attempt
	active        map[pairKey]string
	answers       map[string][]domain.AttemptAnswer
	applied       map[appliedKey]struct{}
	skills        map[skillKey]domain.UserSkill
	streaks       map[string]domain.Streak
	certs         map[string]domain.Certificate
	certByAttempt map[string]string
	certByCode    map[string]string
}

func NewStore() *Store {
	return &Store{
		attempts:      make(map[string]domain.Attempt),
		active:        make(map[pairKey]string),
		answers:       make(map[string][]domain.AttemptAnswer),
		applied:       make(map[appliedKey]struct{}),
		skills:        make(map[skillKey]domain.UserSkill),
		streaks:       make(map[string]domain.Streak),
		certs:         make(map[string]domain.Certificate),
		certByAttempt: make(map[string]string),
		certByCode:    make(map[string]string),
	}
}

var _ app.Store = (*Store)(nil)

func (s *Store) CreateAttempt(_ context.Context, attempt domain.Attempt) (domain.Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{attempt.StudentID, attempt.AssessmentID}
	if id, ok := s.active[key]; ok {
		return cloneAttempt(s.attempts[id]), false, nil
	}
	s.attempts[attempt.ID] = cloneAttempt(attempt)
	s.active[key] = attempt.ID
	return cloneAttempt(attempt), true, nil
}

func (s *Store) GetAttempt(_ context.Context, attemptID string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, domain.ErrNotFound)
	}
	return cloneAttempt(a), nil
}

func (s *Store) ListAnswers(_ context.Context, attemptID string) ([]domain.AttemptAnswer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.AttemptAnswer{}, s.answers[attemptID]...), nil
}

func (s *Store) AppendFlags(_ context.Context, attemptID string, flags []domain.ProctorFlag) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, domain.ErrNotFound)
	}
	if a.State.Terminal() {
		return domain.Attempt{}, fmt.Errorf("attempt %s is %s: %w", attemptID, a.State, domain.ErrInvalidState)
	}
	a = cloneAttempt(a)
	a.Flags = append(a.Flags, flags...)
	a.TabSwitches += domain.CountFlags(flags, domain.FlagTabSwitch)
	s.attempts[attemptID] = a
	return cloneAttempt(a), nil
}

func (s *Store) GetCertificate(_ context.Context, certificateID string) (domain.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[certificateID]
	if !ok {
		return domain.Certificate{}, fmt.Errorf("certificate %s: %w", certificateID, domain.ErrNotFound)
	}
	return c, nil
}

func (s *Store) CertificateByCode(_ context.Context, code string) (domain.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.certByCode[domain.NormalizeCode(code)]
	if !ok {
		return domain.Certificate{}, fmt.Errorf("certificate code: %w", domain.ErrNotFound)
	}
	return s.certs[id], nil
}

func (s *Store) CertificateForAttempt(_ context.Context, attemptID string) (domain.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.certByAttempt[attemptID]
	if !ok {
		return domain.Certificate{}, fmt.Errorf("certificate for attempt %s: %w", attemptID, domain.ErrNotFound)
	}
	return s.certs[id], nil
}

func (s *Store) ListCertificates(_ context.Context, studentID string) ([]domain.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Certificate{}
	for _, c := range s.certs {
		if c.StudentID == studentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (s *Store) RevokeCertificate(_ context.Context, certificateID string, at time.Time) (domain.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[certificateID]
	if !ok {
		return domain.Certificate{}, fmt.Errorf("certificate %s: %w", certificateID, domain.ErrNotFound)
	}
	if !c.Revoked {
		c.Revoked = true
		c.RevokedAt = &at
		s.certs[certificateID] = c
	}
	return c, nil
}

func (s *Store) ListSkills(_ context.Context, studentID string) ([]domain.UserSkill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.UserSkill{}
	for k, v := range s.skills {
		if k.studentID == studentID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SkillTag < out[j].SkillTag })
	return out, nil
}

func (s *Store) GetStreak(_ context.Context, studentID string) (domain.Streak, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.streaks[studentID]; ok {
		return st, nil
	}
	return domain.Streak{StudentID: studentID}, nil
}

// InTx runs fn against a staging view and publishes its writes only when fn succeeds.
func (s *Store) InTx(ctx context.Context, _ app.TxScope, fn func(ctx context.Context, tx app.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		attempts: make(map[string]domain.Attempt),
		answers:  make(map[string][]domain.AttemptAnswer),
		applied:  make(map[appliedKey]struct{}),
		skills:   make(map[skillKey]domain.UserSkill),
		streaks:  make(map[string]domain.Streak),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s        *Store
	attempts map[string]domain.Attempt
	answers  map[string][]domain.AttemptAnswer
	applied  map[appliedKey]struct{}
	skills   map[skillKey]domain.UserSkill
	streaks  map[string]domain.Streak
	certs    []domain.Certificate
}

func (t *memTx) attempt(id string) (domain.Attempt, bool) {
	if a, ok := t.attempts[id]; ok {
		return a, true
	}
	a, ok := t.s.attempts[id]
	return a, ok
}

func (t *memTx) ClaimAttempt(_ context.Context, attemptID string, finish app.FinishFunc) (domain.Attempt, error) {
	current, ok := t.attempt(attemptID)
	if !ok {
		return domain.Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, domain.ErrNotFound)
	}
	if current.State != domain.StateInProgress {
		return domain.Attempt{}, fmt.Errorf("attempt %s is %s: %w", attemptID, current.State, domain.ErrInvalidState)
	}
	final, err := finish(cloneAttempt(current))
	if err != nil {
		return domain.Attempt{}, err
	}
	t.attempts[attemptID] = cloneAttempt(final)
	return cloneAttempt(final), nil
}

func (t *memTx) SaveAnswers(_ context.Context, answers []domain.AttemptAnswer) error {
	for _, a := range answers {
		t.answers[a.AttemptID] = append(t.answers[a.AttemptID], a)
	}
	return nil
}

func (t *memTx) MarkApplied(_ context.Context, attemptID string, aggregate domain.Aggregate) (bool, error) {
	key := appliedKey{attemptID, aggregate}
	if _, ok := t.applied[key]; ok {
		return false, nil
	}
	if _, ok := t.s.applied[key]; ok {
		return false, nil
	}
	t.applied[key] = struct{}{}
	return true, nil
}

func (t *memTx) LockSkill(_ context.Context, studentID, skillTag string) (domain.UserSkill, error) {
	key := skillKey{studentID, skillTag}
	if sk, ok := t.skills[key]; ok {
		return sk, nil
	}
	if sk, ok := t.s.skills[key]; ok {
		return sk, nil
	}
	return domain.UserSkill{StudentID: studentID, SkillTag: skillTag}, nil
}

func (t *memTx) SaveSkill(_ context.Context, skill domain.UserSkill) error {
	t.skills[skillKey{skill.StudentID, skill.SkillTag}] = skill
	return nil
}

func (t *memTx) LockStreak(_ context.Context, studentID string) (domain.Streak, error) {
	if st, ok := t.streaks[studentID]; ok {
		return st, nil
	}
	if st, ok := t.s.streaks[studentID]; ok {
		return st, nil
	}
	return domain.Streak{StudentID: studentID}, nil
}

func (t *memTx) SaveStreak(_ context.Context, streak domain.Streak) error {
	t.streaks[streak.StudentID] = streak
	return nil
}

func (t *memTx) CertificateByAttempt(_ context.Context, attemptID string) (domain.Certificate, bool, error) {
	for _, c := range t.certs {
		if c.AttemptID == attemptID {
			return c, true, nil
		}
	}
	if id, ok := t.s.certByAttempt[attemptID]; ok {
		return t.s.certs[id], true, nil
	}
	return domain.Certificate{}, false, nil
}

func (t *memTx) CodeTaken(_ context.Context, code string) (bool, error) {
	for _, c := range t.certs {
		if c.Code == code {
			return true, nil
		}
	}
	_, ok := t.s.certByCode[code]
	return ok, nil
}

func (t *memTx) InsertCertificate(ctx context.Context, cert domain.Certificate) error {
	if _, ok, _ := t.CertificateByAttempt(ctx, cert.AttemptID); ok {
		return fmt.Errorf("certificate for attempt %s: %w", cert.AttemptID, domain.ErrAlreadyExists)
	}
	t.certs = append(t.certs, cert)
	return nil
}

func (t *memTx) commit() {
	s := t.s
	for id, a := range t.attempts {
		s.attempts[id] = a
		if a.State.Terminal() {
			key := pairKey{a.StudentID, a.AssessmentID}
			if s.active[key] == id {
				delete(s.active, key)
			}
		}
	}
	for id, answers := range t.answers {
		s.answers[id] = append(s.answers[id], answers...)
	}
	for k := range t.applied {
		s.applied[k] = struct{}{}
	}
	for k, v := range t.skills {
		s.skills[k] = v
	}
	for k, v := range t.streaks {
		s.streaks[k] = v
	}
	for _, c := range t.certs {
		s.certs[c.ID] = c
		s.certByAttempt[c.AttemptID] = c.ID
		s.certByCode[c.Code] = c.ID
	}
}

func cloneAttempt(a domain.Attempt) domain.Attempt {
	out := a
	out.Flags = append([]domain.ProctorFlag{}, a.Flags...)
	if a.SubmittedAt != nil {
		t := *a.SubmittedAt
		out.SubmittedAt = &t
	}
	return out
}
